package osuapi

import (
	"strings"
	"time"
)

// Mode is an osu! ruleset.
type Mode string

const (
	ModeOsu    Mode = "osu"
	ModeTaiko  Mode = "taiko"
	ModeFruits Mode = "fruits"
	ModeMania  Mode = "mania"
)

// Modes lists every ruleset in display order.
var Modes = []Mode{ModeOsu, ModeTaiko, ModeFruits, ModeMania}

// ParseMode accepts the API names plus the common aliases used in chat ("std", "ctb", "catch").
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "osu", "std", "standard", "":
		return ModeOsu, true
	case "taiko":
		return ModeTaiko, true
	case "fruits", "ctb", "catch":
		return ModeFruits, true
	case "mania":
		return ModeMania, true
	}
	return "", false
}

// Statistics is the per-ruleset summary of a user. Absent fields are zero.
type Statistics struct {
	PP         float64
	GlobalRank int
	Accuracy   float64
	PlayCount  int
	Level      int
}

// User is a strongly typed view of the API's user payloads. Stats holds an entry for every
// mode in Modes, zero-valued when the provider omitted it.
type User struct {
	ID          int64
	Username    string
	CountryCode string
	PlayMode    Mode
	Stats       map[Mode]Statistics
}

// Room is an active multiplayer or playlist room.
type Room struct {
	ID           int64
	Name         string
	Category     string
	Type         string
	HostID       int64
	HostName     string
	Participants int
	StartsAt     time.Time
	EndsAt       *time.Time
}

// Token is the result of any token exchange. ExpiresIn is the provider-reported lifetime.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

type rawStatistics struct {
	PP          *float64 `json:"pp"`
	GlobalRank  *int     `json:"global_rank"`
	HitAccuracy *float64 `json:"hit_accuracy"`
	PlayCount   *int     `json:"play_count"`
	Level       *struct {
		Current *int `json:"current"`
	} `json:"level"`
}

func (r *rawStatistics) parse() Statistics {
	var s Statistics
	if r == nil {
		return s
	}
	if r.PP != nil {
		s.PP = *r.PP
	}
	if r.GlobalRank != nil {
		s.GlobalRank = *r.GlobalRank
	}
	if r.HitAccuracy != nil {
		s.Accuracy = *r.HitAccuracy
	}
	if r.PlayCount != nil {
		s.PlayCount = *r.PlayCount
	}
	if r.Level != nil && r.Level.Current != nil {
		s.Level = *r.Level.Current
	}
	return s
}

type rawUser struct {
	ID                 int64                     `json:"id"`
	Username           string                    `json:"username"`
	CountryCode        string                    `json:"country_code"`
	Playmode           string                    `json:"playmode"`
	Statistics         *rawStatistics            `json:"statistics"`
	StatisticsRulesets map[string]*rawStatistics `json:"statistics_rulesets"`
}

// parse converts the payload; statsMode names the ruleset a bare "statistics" object belongs to.
func (r rawUser) parse(statsMode Mode) User {
	u := User{
		ID:          r.ID,
		Username:    r.Username,
		CountryCode: r.CountryCode,
		PlayMode:    ModeOsu,
		Stats:       make(map[Mode]Statistics, len(Modes)),
	}
	if m, ok := ParseMode(r.Playmode); ok {
		u.PlayMode = m
	}
	for _, m := range Modes {
		u.Stats[m] = r.StatisticsRulesets[string(m)].parse()
	}
	if r.Statistics != nil {
		if statsMode == "" {
			statsMode = u.PlayMode
		}
		u.Stats[statsMode] = r.Statistics.parse()
	}
	return u
}

type rawRoom struct {
	ID               int64      `json:"id"`
	Name             string     `json:"name"`
	Category         string     `json:"category"`
	Type             string     `json:"type"`
	ParticipantCount *int       `json:"participant_count"`
	StartsAt         time.Time  `json:"starts_at"`
	EndsAt           *time.Time `json:"ends_at"`
	Host             *struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"host"`
}

func (r rawRoom) parse() Room {
	room := Room{
		ID:       r.ID,
		Name:     r.Name,
		Category: r.Category,
		Type:     r.Type,
		StartsAt: r.StartsAt,
		EndsAt:   r.EndsAt,
	}
	if r.ParticipantCount != nil {
		room.Participants = *r.ParticipantCount
	}
	if r.Host != nil {
		room.HostID = r.Host.ID
		room.HostName = r.Host.Username
	}
	return room
}
