package gate

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/relaybot/relayd/internal/store"
)

// Verdict is the result of screening one message body. Action is empty when
// nothing matched, otherwise the strongest action among the matched terms.
// Matched lists every matched word regardless of action.
type Verdict struct {
	Action  string
	Matched []string
}

// Blocked reports whether the message must not be relayed.
func (v Verdict) Blocked() bool { return v.Action == store.ActionBlock }

// Flagged reports whether anything matched at all.
func (v Verdict) Flagged() bool { return len(v.Matched) > 0 }

// Gate screens message bodies against the sensitive word list. The list is
// read from the database on every call so edits take effect immediately.
type Gate struct {
	db     *store.DB
	logger *zap.Logger
}

// New builds a sensitive-word gate backed by the given database.
func New(db *store.DB, logger *zap.Logger) *Gate {
	return &Gate{db: db, logger: logger.Named("gate")}
}

// Classify matches text against every stored term, case-insensitively, as a
// substring. One block match outweighs any number of warn matches.
func (g *Gate) Classify(text string) (Verdict, error) {
	terms, err := g.db.ListTerms()
	if err != nil {
		return Verdict{}, fmt.Errorf("load terms: %w", err)
	}
	lower := strings.ToLower(text)

	var v Verdict
	for _, t := range terms {
		if t.Word == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(t.Word)) {
			v.Matched = append(v.Matched, t.Word)
			if t.Action == store.ActionBlock {
				v.Action = store.ActionBlock
			} else if v.Action == "" {
				v.Action = store.ActionWarn
			}
		}
	}
	return v, nil
}

type termFile struct {
	Terms []struct {
		Word   string `yaml:"word"`
		Action string `yaml:"action"`
	} `yaml:"terms"`
}

// ImportFile loads a YAML term list and upserts each entry. Entries without
// an action default to warn. Returns the number of terms imported.
func (g *Gate) ImportFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read terms file: %w", err)
	}
	var f termFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parse terms file: %w", err)
	}

	count := 0
	for _, entry := range f.Terms {
		word := strings.TrimSpace(entry.Word)
		if word == "" {
			continue
		}
		action := entry.Action
		switch action {
		case "":
			action = store.ActionWarn
		case store.ActionWarn, store.ActionBlock:
		default:
			return count, fmt.Errorf("term %q: unknown action %q", word, action)
		}
		if err := g.db.UpsertTerm(word, action); err != nil {
			return count, err
		}
		count++
	}
	g.logger.Info("imported sensitive words", zap.Int("count", count), zap.String("path", path))
	return count, nil
}
