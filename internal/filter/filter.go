// Package filter decides which raw detections may reach the lifecycle state
// machine. It never touches vehicle entries.
package filter

import (
	"math"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"

	"gate-event-core/internal/clock"
	"gate-event-core/internal/logging"
	"gate-event-core/internal/types"
)

// Decision is the outcome of evaluating one detection
type Decision string

const (
	Accept              Decision = "ACCEPT"
	RejectLowConfidence Decision = "REJECT_LOW_CONFIDENCE"
	RejectDuplicate     Decision = "REJECT_DUPLICATE"
	RejectInvalidPlate  Decision = "REJECT_INVALID_PLATE"
)

// Config holds filter thresholds
type Config struct {
	MinPlateLength      int
	ConfidenceThreshold float64
	Cooldown            time.Duration
}

// DefaultConfig returns the standard thresholds
func DefaultConfig() Config {
	return Config{
		MinPlateLength:      4,
		ConfidenceThreshold: 0.85,
		Cooldown:            60 * time.Second,
	}
}

// Verdict is what Evaluate returns for a detection
type Verdict struct {
	Decision Decision  `json:"decision"`
	Plate    string    `json:"plate"`
	CameraID string    `json:"cameraId"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"` // server time of the evaluation
}

// Accepted reports whether the detection may proceed
func (v Verdict) Accepted() bool {
	return v.Decision == Accept
}

// Stats contains counters about evaluated detections
type Stats struct {
	TotalAccepted      int64 `json:"totalAccepted"`
	TotalLowConfidence int64 `json:"totalLowConfidence"`
	TotalDuplicates    int64 `json:"totalDuplicates"`
	TotalInvalidPlate  int64 `json:"totalInvalidPlate"`
	LastAcceptedAt     int64 `json:"lastAcceptedAt"` // Unix timestamp
}

// ValidationError represents a structurally malformed detection
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Message
}

// Is makes malformed detections match types.ErrValidationRejected
func (e ValidationError) Is(target error) bool {
	return target == types.ErrValidationRejected
}

// Filter applies plate, confidence and cooldown checks in that order
type Filter struct {
	config   Config
	cooldown CooldownStore
	clock    clock.Clock
	logger   *logrus.Entry

	mu    sync.Mutex
	stats Stats
}

// New creates a filter over an injected cooldown store
func New(config Config, cooldown CooldownStore, clk clock.Clock, logger *logrus.Logger) *Filter {
	defaults := DefaultConfig()
	if config.MinPlateLength <= 0 {
		config.MinPlateLength = defaults.MinPlateLength
	}
	if config.ConfidenceThreshold <= 0 {
		config.ConfidenceThreshold = defaults.ConfidenceThreshold
	}
	if cooldown == nil {
		cooldown = NewMemoryCooldown()
	}
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &Filter{
		config:   config,
		cooldown: cooldown,
		clock:    clk,
		logger:   logging.NewServiceLogger(logger, "detection-filter"),
	}
}

// NormalizePlate drops every rune that is not a letter or digit and
// uppercases the rest. It is idempotent.
func NormalizePlate(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// Validate checks the structural fields a detection must carry
func Validate(d types.Detection) error {
	if strings.TrimSpace(d.CameraID) == "" {
		return ValidationError{Field: "cameraId", Message: "camera id is required"}
	}
	if math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
		return ValidationError{Field: "confidence", Message: "confidence must be between 0 and 1"}
	}
	return nil
}

// Evaluate classifies a detection. An ACCEPT records the cooldown for the
// (plate, camera) pair atomically with the duplicate check. The window runs
// on the server clock; a camera's captured_at never moves it.
func (f *Filter) Evaluate(d types.Detection) Verdict {
	at := f.clock.Now()

	v := Verdict{
		Plate:    NormalizePlate(d.PlateText),
		CameraID: d.CameraID,
		At:       at,
	}

	switch {
	case len([]rune(v.Plate)) < f.config.MinPlateLength:
		v.Decision = RejectInvalidPlate
		v.Reason = "plate shorter than minimum length"
	case d.Confidence < f.config.ConfidenceThreshold:
		v.Decision = RejectLowConfidence
		v.Reason = "confidence below threshold"
	case !f.cooldown.Reserve(cooldownKey(v.Plate, d.CameraID), at, f.config.Cooldown):
		v.Decision = RejectDuplicate
		v.Reason = "plate seen at this camera within cooldown"
	default:
		v.Decision = Accept
	}

	f.record(v)

	fields := logrus.Fields{
		"camera_id":  d.CameraID,
		"plate":      v.Plate,
		"confidence": d.Confidence,
		"decision":   v.Decision,
	}
	if skew := d.CapturedAt.Sub(at); !d.CapturedAt.IsZero() && (skew > time.Minute || skew < -time.Minute) {
		fields["clock_skew"] = skew.String()
	}
	f.logger.WithFields(fields).Debug("Detection evaluated")

	return v
}

// Release forgets the cooldown recorded by an accepted verdict, so a retry
// after a failed downstream write is not suppressed as a duplicate
func (f *Filter) Release(v Verdict) {
	if !v.Accepted() {
		return
	}
	f.cooldown.Release(cooldownKey(v.Plate, v.CameraID), v.At)
}

// Prune evicts cooldown records that can no longer suppress anything
func (f *Filter) Prune(now time.Time) int {
	n := f.cooldown.Prune(now.Add(-f.config.Cooldown))
	if n > 0 {
		f.logger.WithField("evicted", n).Debug("Pruned cooldown records")
	}
	return n
}

// GetStats returns evaluation statistics
func (f *Filter) GetStats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *Filter) record(v Verdict) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch v.Decision {
	case Accept:
		f.stats.TotalAccepted++
		f.stats.LastAcceptedAt = v.At.Unix()
	case RejectLowConfidence:
		f.stats.TotalLowConfidence++
	case RejectDuplicate:
		f.stats.TotalDuplicates++
	case RejectInvalidPlate:
		f.stats.TotalInvalidPlate++
	}
}

func cooldownKey(plate, cameraID string) string {
	return plate + "|" + cameraID
}
