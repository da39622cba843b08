package storage

import (
	"errors"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable through DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default

	MaxOpenConns    int // postgres only
	ConnMaxLifetime time.Duration
}

// Mode tells how a destination subscribed to a source.
type Mode string

const (
	// ModeLegacy edges are delivered by the bot itself.
	ModeLegacy Mode = "legacy"
	// ModeFollow edges use the platform's native follow feature; the bot only tracks them.
	ModeFollow Mode = "follow"
)

func (m Mode) Valid() bool { return m == ModeLegacy || m == ModeFollow }

// MirrorEdge is a subscription of a destination channel to a source channel.
type MirrorEdge struct {
	SrcID       snowflake.ID
	DestID      snowflake.ID
	DestGroupID snowflake.ID // 0 when the owning server is unknown
	Mode        Mode
	Enabled     bool
	ErrorCount  int
	DisabledAt  time.Time // zero unless auto-disabled
}

// EdgeFilter narrows edge listings. Zero values match everything.
type EdgeFilter struct {
	Mode    Mode
	Enabled *bool
}

// Bool returns a pointer to b, for EdgeFilter.Enabled.
func Bool(b bool) *bool { return &b }

// DeliveryRecord maps one delivered copy back to its source message.
type DeliveryRecord struct {
	SourceMsgID     snowflake.ID
	SourceChannelID snowflake.ID
	DestMsgID       snowflake.ID
	DestChannelID   snowflake.ID
	CreatedAt       time.Time
}

// GuildPopulation is the last known member count of a server.
type GuildPopulation struct {
	GuildID    snowflake.ID
	Population int
	UpdatedAt  time.Time
}

// EdgeCount aggregates edges per source and mode.
type EdgeCount struct {
	SrcID    snowflake.ID
	Mode     Mode
	Enabled  int
	Disabled int
}

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At     time.Time
	Actor  string
	Action string
	Target string
	OK     int
	Fail   int
	Error  string
	TookMS int64
	Meta   string
}
