// Package catalog defines the published game metadata records and the rules
// that govern them: capacity of at least two, strict dotted-triple versions,
// and monotonic version growth across updates.
package catalog

import (
	"errors"
	"fmt"
	"time"
)

// MinPlayers is the smallest capacity a catalog entry may declare.
const MinPlayers = 2

// Game kinds accepted by the platform.
const (
	KindCUI = "CUI"
	KindGUI = "GUI"
)

var (
	// ErrNotFound indicates no catalog entry exists for the key.
	ErrNotFound = errors.New("game not found")
	// ErrCapacityTooSmall indicates a declared capacity below MinPlayers.
	ErrCapacityTooSmall = errors.New("max_players must be at least 2")
	// ErrUnknownKind indicates a game type other than CUI or GUI.
	ErrUnknownKind = errors.New("game_type must be CUI or GUI")
	// ErrVersionNotNewer rejects an update whose version does not strictly
	// exceed the live catalog version.
	ErrVersionNotNewer = errors.New("version must be strictly greater than the published version")
)

// Entry is the metadata record for one published game version. The file
// manifest lives on disk next to the bundle; the record holds only metadata.
type Entry struct {
	GameName   string `json:"gamename"`
	Author     string `json:"author"`
	MaxPlayers int    `json:"max_players"`
	Version    string `json:"version"`
	GameType   string `json:"game_type"`
	LastUpdate string `json:"last_update"`
}

// Validate checks the static invariants of the entry.
func (e Entry) Validate() error {
	if e.GameName == "" || e.Author == "" {
		return errors.New("gamename and author are required")
	}
	if e.MaxPlayers < MinPlayers {
		return ErrCapacityTooSmall
	}
	if e.GameType != KindCUI && e.GameType != KindGUI {
		return ErrUnknownKind
	}
	if _, err := ParseVersion(e.Version); err != nil {
		return err
	}
	return nil
}

// ValidateUpdate checks the entry and enforces monotonic version growth
// against the currently published entry.
func (e Entry) ValidateUpdate(published Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	next, err := ParseVersion(e.Version)
	if err != nil {
		return err
	}
	current, err := ParseVersion(published.Version)
	if err != nil {
		// A corrupt published version must not wedge the game forever.
		return nil
	}
	if !next.NewerThan(current) {
		return fmt.Errorf("%w: have %s, got %s", ErrVersionNotNewer, published.Version, e.Version)
	}
	return nil
}

// Touch refreshes the last-update timestamp.
func (e *Entry) Touch(now time.Time) {
	e.LastUpdate = now.Format("2006-01-02 15:04:05")
}

// Record converts the entry into the raw map form stored by the engine.
func (e Entry) Record() map[string]any {
	return map[string]any{
		"gamename":    e.GameName,
		"author":      e.Author,
		"max_players": e.MaxPlayers,
		"version":     e.Version,
		"game_type":   e.GameType,
		"last_update": e.LastUpdate,
	}
}

// EntryFromRecord rebuilds an entry from the raw map form. Numeric fields
// tolerate the float64 decoding JSON produces.
func EntryFromRecord(record map[string]any) (Entry, error) {
	if len(record) == 0 {
		return Entry{}, ErrNotFound
	}
	entry := Entry{
		GameName:   stringField(record, "gamename"),
		Author:     stringField(record, "author"),
		MaxPlayers: intField(record, "max_players"),
		Version:    stringField(record, "version"),
		GameType:   stringField(record, "game_type"),
		LastUpdate: stringField(record, "last_update"),
	}
	if entry.GameName == "" {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

func stringField(record map[string]any, key string) string {
	value, _ := record[key].(string)
	return value
}

func intField(record map[string]any, key string) int {
	switch value := record[key].(type) {
	case int:
		return value
	case float64:
		return int(value)
	default:
		return 0
	}
}
