// Package chat connects the bot to a Twitch channel.
//
// It provides two pieces:
//   - Bot: the IRC connection. It routes "!" commands from the channel to a
//     Handler and delivers notifications, addressing chat users by @login.
//     Without credentials it degrades to logging notifications.
//   - Commands: the command set (!link, !unlink, !stats, !top, !rooms,
//     !render, !queue). It reads the leaderboard cache and submits render
//     jobs; it never talks to IRC directly.
package chat
