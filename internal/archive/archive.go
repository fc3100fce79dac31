// Package archive persists finished research sessions for audit and later
// reporting. Nothing in the control loop depends on it for correctness.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/solosway/webscout/api/schemas"
	"github.com/solosway/webscout/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned by Load for an unknown session id.
var ErrNotFound = errors.New("session not found in archive")

// Record is the full audit trail of one session.
type Record struct {
	SessionID     string                    `json:"session_id" yaml:"session_id"`
	Task          string                    `json:"task" yaml:"task"`
	StartingURL   string                    `json:"starting_url,omitempty" yaml:"starting_url,omitempty"`
	Status        schemas.SessionStatus     `json:"status" yaml:"status"`
	CreatedAt     time.Time                 `json:"created_at" yaml:"created_at"`
	FinishedAt    time.Time                 `json:"finished_at" yaml:"finished_at"`
	Steps         int                       `json:"steps" yaml:"steps"`
	Replans       int                       `json:"replans" yaml:"replans"`
	ProgressScore float64                   `json:"progress_score" yaml:"progress_score"`
	Goals         []schemas.SubGoal         `json:"goals" yaml:"goals"`
	Findings      []schemas.Finding         `json:"findings" yaml:"findings"`
	Actions       []schemas.ActionRecord    `json:"actions" yaml:"actions"`
	VisitedURLs   []string                  `json:"visited_urls" yaml:"visited_urls"`
	Hypothesis    string                    `json:"hypothesis,omitempty" yaml:"hypothesis,omitempty"`
	OpenQuestions []string                  `json:"open_questions,omitempty" yaml:"open_questions,omitempty"`
	Result        schemas.SynthesizedResult `json:"result" yaml:"result"`
}

// Summary is one row of List.
type Summary struct {
	SessionID  string                `json:"session_id" yaml:"session_id"`
	Task       string                `json:"task" yaml:"task"`
	Status     schemas.SessionStatus `json:"status" yaml:"status"`
	CreatedAt  time.Time             `json:"created_at" yaml:"created_at"`
	FinishedAt time.Time             `json:"finished_at" yaml:"finished_at"`
	Findings   int                   `json:"findings" yaml:"findings"`
	Confidence float64               `json:"confidence" yaml:"confidence"`
}

// Archive stores and retrieves session records. Save replaces any earlier
// record with the same session id.
type Archive interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, sessionID string) (Record, error)
	// List returns the most recent sessions first. A limit <= 0 means no limit.
	List(ctx context.Context, limit int) ([]Summary, error)
	Close() error
}

// Open builds the archive selected by the configuration. It returns nil and
// no error when archiving is disabled.
func Open(ctx context.Context, cfg config.ArchiveConfig, logger *zap.Logger) (Archive, error) {
	switch cfg.Driver {
	case "", config.ArchiveNone:
		return nil, nil
	case config.ArchiveSQLite:
		path, err := homedir.Expand(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("expand archive path: %w", err)
		}
		a, err := OpenSQLite(ctx, path, logger)
		if err != nil {
			return nil, err
		}
		return a, nil
	case config.ArchivePostgres:
		a, err := OpenPostgres(ctx, cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown archive driver %q", cfg.Driver)
	}
}

func summaryOf(rec Record) Summary {
	return Summary{
		SessionID:  rec.SessionID,
		Task:       rec.Task,
		Status:     rec.Status,
		CreatedAt:  rec.CreatedAt,
		FinishedAt: rec.FinishedAt,
		Findings:   len(rec.Findings),
		Confidence: rec.Result.Confidence,
	}
}

func validate(rec Record) error {
	if rec.SessionID == "" {
		return errors.New("record has no session id")
	}
	return nil
}

func statusOf(s string) schemas.SessionStatus {
	return schemas.SessionStatus(s)
}
