// Package signature authenticates usage reports from client installations.
//
// A report carries a header of the form "<hex hmac>:<unix seconds>". The HMAC
// is SHA-256 over "<install_id>:<unix seconds>" keyed by the installation's
// shared secret. Reports whose timestamp falls outside the replay window are
// rejected regardless of HMAC correctness.
package signature

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const DefaultReplayWindow = 300 * time.Second

var (
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrMissingSignature = errors.New("missing_signature")
)

// SecretStore reads and first-writes an installation's shared secret. Both
// calls must run on the same transaction as the rest of the batch.
type SecretStore interface {
	GetSecret(ctx context.Context, installID string) (string, error)
	// StoreSecretIfAbsent persists secret only when none is stored yet and
	// reports whether this call won.
	StoreSecretIfAbsent(ctx context.Context, installID, secret string) (bool, error)
}

type Request struct {
	InstallID string
	// Header is the raw signature header value, possibly empty.
	Header string
	// ProvidedSecret is the secret the client offered for first contact.
	ProvidedSecret string
}

type Outcome struct {
	// Verified is true when an HMAC was checked against a known secret.
	Verified bool
	// FirstContact is true when the install had no stored secret.
	FirstContact bool
	// SecretStored is true when this request persisted the install's secret.
	SecretStored bool
}

type Config struct {
	StrictMode   bool
	ReplayWindow time.Duration
}

type Params struct {
	fx.In

	Cfg   config.Config
	Clock clock.Clock
	Log   *zap.Logger
}

type Guard struct {
	cfg   Config
	clock clock.Clock
	log   *zap.Logger
}

func New(p Params) *Guard {
	window := time.Duration(p.Cfg.Signature.ReplayWindowSeconds) * time.Second
	return NewGuard(Config{StrictMode: p.Cfg.Signature.StrictMode, ReplayWindow: window}, p.Clock, p.Log)
}

func NewGuard(cfg Config, clk clock.Clock, log *zap.Logger) *Guard {
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = DefaultReplayWindow
	}
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{cfg: cfg, clock: clk, log: log.Named("signature.guard")}
}

// Verify authenticates req against the secret held in store. On trust-on-first-use
// it also persists the offered secret; if a concurrent first contact already
// stored a different one, the request is re-checked against the winner.
func (g *Guard) Verify(ctx context.Context, store SecretStore, req Request) (Outcome, error) {
	installID := strings.TrimSpace(req.InstallID)
	header := strings.TrimSpace(req.Header)
	provided := strings.TrimSpace(req.ProvidedSecret)

	stored, err := store.GetSecret(ctx, installID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load install secret: %w", err)
	}
	if stored != "" {
		if err := g.check(installID, header, stored); err != nil {
			return Outcome{}, err
		}
		return Outcome{Verified: true}, nil
	}

	if g.cfg.StrictMode {
		if header == "" {
			return Outcome{}, ErrMissingSignature
		}
		return Outcome{}, ErrInvalidSignature
	}

	out := Outcome{FirstContact: true}
	if header != "" && provided != "" {
		if err := g.check(installID, header, provided); err != nil {
			return Outcome{}, err
		}
		out.Verified = true
	}
	if provided == "" {
		return out, nil
	}

	won, err := store.StoreSecretIfAbsent(ctx, installID, provided)
	if err != nil {
		return Outcome{}, fmt.Errorf("store install secret: %w", err)
	}
	if won {
		out.SecretStored = true
		g.log.Info("install secret registered on first contact", zap.String("install_id", installID))
		return out, nil
	}

	// A concurrent first contact stored its secret first.
	winner, err := store.GetSecret(ctx, installID)
	if err != nil {
		return Outcome{}, fmt.Errorf("reload install secret: %w", err)
	}
	if hmac.Equal([]byte(winner), []byte(provided)) {
		return out, nil
	}
	if err := g.check(installID, header, winner); err != nil {
		g.log.Warn("first-contact secret conflict", zap.String("install_id", installID))
		return Outcome{}, ErrInvalidSignature
	}
	return Outcome{Verified: true, FirstContact: true}, nil
}

func (g *Guard) check(installID, header, secret string) error {
	sig, ts, err := ParseHeader(header)
	if err != nil {
		return err
	}

	now := g.clock.Now().Unix()
	skew := now - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(g.cfg.ReplayWindow/time.Second) {
		return ErrInvalidSignature
	}

	expected := Compute(installID, ts, secret)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return ErrInvalidSignature
	}
	return nil
}

// ParseHeader splits "<hex>:<unix>" into its parts.
func ParseHeader(header string) (string, int64, error) {
	idx := strings.LastIndex(header, ":")
	if idx <= 0 || idx == len(header)-1 {
		return "", 0, ErrInvalidSignature
	}
	sig := header[:idx]
	if _, err := hex.DecodeString(sig); err != nil {
		return "", 0, ErrInvalidSignature
	}
	ts, err := strconv.ParseInt(header[idx+1:], 10, 64)
	if err != nil {
		return "", 0, ErrInvalidSignature
	}
	return sig, ts, nil
}

// Compute returns the lowercase hex HMAC-SHA256 of "<installID>:<ts>".
func Compute(installID string, ts int64, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(installID + ":" + strconv.FormatInt(ts, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign builds a complete header value for installID at the given time.
func Sign(installID, secret string, at time.Time) string {
	ts := at.Unix()
	return Compute(installID, ts, secret) + ":" + strconv.FormatInt(ts, 10)
}
