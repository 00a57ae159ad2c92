// Package imageresolver turns a caller-supplied image reference into a
// canonical, registry-qualified reference and makes sure it is present
// on the local Docker daemon before a sandbox is created from it.
package imageresolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/p-arndt/scriptexecd/internal/runtime"
)

// ErrInvalidReference is returned when a caller-supplied image name
// does not match Docker's reference grammar.
var ErrInvalidReference = errors.New("invalid image reference")

// referencePattern is a practical subset of Docker's reference grammar:
// an optional "host[:port]/" prefix, lowercase path components separated
// by '/', optional ":tag" and optional "@digest".
var referencePattern = regexp.MustCompile(`^([a-z0-9]+(([._-])[a-z0-9]+)*(:[0-9]+)?/)?[a-z0-9]+(([._-])[a-z0-9]+)*(/[a-z0-9]+(([._-])[a-z0-9]+)*)*(:[\w][\w.-]{0,127})?(@[a-z0-9]+([+._-][a-z0-9]+)*:[a-f0-9]{32,})?$`)

// Resolver resolves and pulls images, deduplicating concurrent pulls of
// the same canonical reference.
type Resolver struct {
	client   runtime.Client
	registry string
	timeout  time.Duration
	retries  int
	log      *slog.Logger

	group singleflight.Group

	// OnPull, if set, is called once after each image is successfully
	// pulled (not when it was already present locally).
	OnPull func(ref string)
}

func New(client runtime.Client, registry string, pullTimeout time.Duration, retries int, log *slog.Logger) *Resolver {
	return &Resolver{
		client:   client,
		registry: registry,
		timeout:  pullTimeout,
		retries:  retries,
		log:      log,
	}
}

// Resolve prepends the configured registry to ref when ref carries no
// registry host of its own. It does not touch the daemon.
func (r *Resolver) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrInvalidReference)
	}
	if !referencePattern.MatchString(strings.ToLower(ref)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}

	if r.registry == "" || hasRegistryHost(ref) {
		return ref, nil
	}
	return r.registry + "/" + ref, nil
}

// hasRegistryHost reports whether the first path component of ref looks
// like a registry host (contains a '.' or ':', or is "localhost")
// rather than a Docker Hub user/organization name.
func hasRegistryHost(ref string) bool {
	first := ref
	if idx := strings.Index(ref, "/"); idx >= 0 {
		first = ref[:idx]
	} else {
		return false
	}
	return first == "localhost" || strings.ContainsAny(first, ".:")
}

// Ensure guarantees canonicalRef is present locally, pulling it if
// necessary. It reports whether a pull actually happened. Concurrent
// Ensure calls for the same reference share a single pull.
func (r *Resolver) Ensure(ctx context.Context, canonicalRef string) (bool, error) {
	v, err, _ := r.group.Do(canonicalRef, func() (interface{}, error) {
		return r.ensureOnce(ctx, canonicalRef)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (r *Resolver) ensureOnce(ctx context.Context, canonicalRef string) (bool, error) {
	exists, err := r.client.ImageExists(ctx, canonicalRef)
	if err != nil {
		return false, fmt.Errorf("checking image %q: %w", canonicalRef, err)
	}
	if exists {
		return false, nil
	}

	var lastErr error
	for attempt := 0; attempt < r.retries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return false, fmt.Errorf("pulling image %q: %w", canonicalRef, lastErr)
			}
		}

		r.log.Info("pulling image", "ref", canonicalRef, "attempt", attempt+1, "retries", r.retries)
		// Each attempt gets its own deadline of r.timeout.
		pullCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := r.client.ImagePull(pullCtx, canonicalRef, r.timeout)
		cancel()
		if err == nil {
			if r.OnPull != nil {
				r.OnPull(canonicalRef)
			}
			return true, nil
		}

		lastErr = err
		var rtErr *runtime.Error
		if errors.As(err, &rtErr) && !rtErr.Retryable() {
			return false, fmt.Errorf("pulling image %q: %w", canonicalRef, err)
		}
		r.log.Warn("image pull failed, will retry", "ref", canonicalRef, "attempt", attempt+1, "err", err)
	}

	return false, fmt.Errorf("pulling image %q after %d attempts: %w", canonicalRef, r.retries, lastErr)
}

// sleepBackoff waits base*2^(attempt-1) seconds plus up to +/-25%
// jitter before the next pull attempt, or returns ctx.Err() if the
// deadline expires first.
func sleepBackoff(ctx context.Context, attempt int) error {
	base := time.Second * time.Duration(1<<uint(attempt-1))
	jitter := time.Duration((rand.Float64()*0.5 - 0.25) * float64(base))
	delay := base + jitter
	if delay < 0 {
		delay = 0
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
