package store

import (
	"errors"
	"fmt"
)

// Category names addressed over the network.
const (
	PlayerCategory    = "player_db"
	DeveloperCategory = "developer_db"
	CatalogCategory   = "game_store_db"
)

// MailboxClear is the sentinel update value that empties a developer mailbox
// instead of appending to it.
const MailboxClear = "clear"

var errMissingKey = errors.New("mutation missing record key")

// Category bundles the mutation and lookup semantics for one record kind.
// Apply reports whether the state changed; Query returns a deep copy of the
// matching record(s) or nil for not-found.
type Category struct {
	Name  string
	Apply func(state map[string]Record, action string, data Record) (bool, error)
	Query func(state map[string]Record, data Record) Record
}

// Players returns the category for player account records. Create seeds the
// offline account shell; update merges only the supplied status/token fields.
func Players() Category {
	return Category{
		Name:  PlayerCategory,
		Apply: applyAccount(false),
		Query: queryByUsername,
	}
}

// Developers returns the category for developer account records. On top of
// the player semantics, accounts carry a download map and a mailbox that
// updates append to unless the clear sentinel is supplied.
func Developers() Category {
	return Category{
		Name:  DeveloperCategory,
		Apply: applyAccount(true),
		Query: queryByUsername,
	}
}

func applyAccount(developer bool) func(state map[string]Record, action string, data Record) (bool, error) {
	return func(state map[string]Record, action string, data Record) (bool, error) {
		username, _ := data["username"].(string)
		if username == "" {
			return false, errMissingKey
		}
		switch action {
		case "create":
			account := Record{
				"password": data["password"],
				"status":   "offline",
				"token":    "",
			}
			if developer {
				account["download"] = Record{}
				account["mailbox"] = []any{}
			}
			state[username] = account
			return true, nil
		case "update":
			account, ok := state[username]
			if !ok {
				return false, nil
			}
			if status, ok := data["status"]; ok {
				account["status"] = status
			}
			if token, ok := data["token"]; ok {
				if token == nil {
					token = ""
				}
				account["token"] = token
			}
			if developer {
				applyMailbox(account, data)
			}
			return true, nil
		case "delete":
			if _, ok := state[username]; !ok {
				return false, nil
			}
			delete(state, username)
			return true, nil
		default:
			return false, fmt.Errorf("unknown account action %q", action)
		}
	}
}

func applyMailbox(account Record, data Record) {
	raw, ok := data["inv_msg"]
	if !ok || raw == nil {
		return
	}
	if raw == MailboxClear {
		account["mailbox"] = []any{}
		return
	}
	mailbox, _ := account["mailbox"].([]any)
	account["mailbox"] = append(mailbox, raw)
}

func queryByUsername(state map[string]Record, data Record) Record {
	username, _ := data["username"].(string)
	if record, ok := state[username]; ok {
		return copyRecord(record)
	}
	return nil
}

// Catalog returns the category for published game metadata. Records are keyed
// by gamename_author; create and update replace the whole metadata record.
func Catalog() Category {
	return Category{
		Name: CatalogCategory,
		Apply: func(state map[string]Record, action string, data Record) (bool, error) {
			switch action {
			case "create", "update":
				gamename, _ := data["gamename"].(string)
				author, _ := data["username"].(string)
				if gamename == "" || author == "" {
					return false, errMissingKey
				}
				config, _ := data["config"].(map[string]any)
				if config == nil {
					return false, errors.New("catalog mutation missing config")
				}
				key := CatalogKey(gamename, author)
				if action == "update" {
					if _, ok := state[key]; !ok {
						return false, nil
					}
				}
				state[key] = copyRecord(config)
				return true, nil
			case "delete":
				// Deletes arrive pre-joined: the caller passes the full
				// gamename_author key in the gamename field.
				key, _ := data["gamename"].(string)
				if key == "" {
					return false, errMissingKey
				}
				if _, ok := state[key]; !ok {
					return false, nil
				}
				delete(state, key)
				return true, nil
			default:
				return false, fmt.Errorf("unknown catalog action %q", action)
			}
		},
		Query: func(state map[string]Record, data Record) Record {
			gamename, _ := data["gamename"].(string)
			author, _ := data["username"].(string)
			if gamename == "" {
				// All games published by the author.
				result := Record{}
				for key, record := range state {
					if owner, _ := record["author"].(string); owner == author {
						result[key] = copyRecord(record)
					}
				}
				if len(result) == 0 {
					return nil
				}
				return result
			}
			if record, ok := state[CatalogKey(gamename, author)]; ok {
				return copyRecord(record)
			}
			return nil
		},
	}
}

// CatalogKey joins a game name and its author into the catalog record key.
func CatalogKey(gamename, author string) string {
	return gamename + "_" + author
}
