// Package env decides which backend deployment the client talks to.
package env

import (
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

type Environment string

const (
	Local      Environment = "local"
	Production Environment = "production"
)

// PrefKey is the preference key the chosen environment is persisted under.
const PrefKey = "lk-env"

// Parse maps a raw value to an environment. Only the literal "local" is
// local; anything else is production.
func Parse(raw string) Environment {
	if strings.TrimSpace(raw) == string(Local) {
		return Local
	}
	return Production
}

func (e Environment) Other() Environment {
	if e == Local {
		return Production
	}
	return Local
}

type PrefStore interface {
	GetPref(key string) (string, bool, error)
	SetPref(key, value string) error
}

// Inputs are the signals available when resolving.
type Inputs struct {
	// Param is an explicit selection (command-line flag or PEPPER_ENVIRONMENT).
	Param string
	// Hostname is the host the client considers itself served from.
	Hostname string
}

type Resolver struct {
	prefs     PrefStore
	endpoints map[Environment]string
	log       zerolog.Logger

	mu      sync.RWMutex
	current Environment
}

func NewResolver(prefs PrefStore, localURL, productionURL string, logger zerolog.Logger) *Resolver {
	return &Resolver{
		prefs: prefs,
		endpoints: map[Environment]string{
			Local:      strings.TrimRight(localURL, "/"),
			Production: strings.TrimRight(productionURL, "/"),
		},
		log:     logger,
		current: Production,
	}
}

// Resolve picks the environment: explicit parameter (persisted), then the
// persisted choice, then local for loopback hosts and production otherwise.
func (r *Resolver) Resolve(in Inputs) Environment {
	var chosen Environment

	switch param := strings.TrimSpace(in.Param); {
	case param != "":
		chosen = Parse(param)
		r.persist(param)
	default:
		if stored, ok := r.stored(); ok {
			chosen = Parse(stored)
		} else if IsLoopback(in.Hostname) {
			chosen = Local
		} else {
			chosen = Production
		}
	}

	r.mu.Lock()
	r.current = chosen
	r.mu.Unlock()
	return chosen
}

func (r *Resolver) Current() Environment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Toggle flips the environment and persists the new choice.
func (r *Resolver) Toggle() Environment {
	r.mu.Lock()
	next := r.current.Other()
	r.current = next
	r.mu.Unlock()

	r.persist(string(next))
	return next
}

func (r *Resolver) EndpointFor(e Environment) string {
	return r.endpoints[Parse(string(e))]
}

// BaseURL returns the backend base URL for the current environment.
func (r *Resolver) BaseURL() string {
	return r.EndpointFor(r.Current())
}

func (r *Resolver) stored() (string, bool) {
	if r.prefs == nil {
		return "", false
	}
	v, ok, err := r.prefs.GetPref(PrefKey)
	if err != nil {
		r.log.Warn().Err(err).Msg("read environment preference")
		return "", false
	}
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

func (r *Resolver) persist(value string) {
	if r.prefs == nil {
		return
	}
	if err := r.prefs.SetPref(PrefKey, value); err != nil {
		r.log.Warn().Err(err).Str("value", value).Msg("persist environment preference")
	}
}

// IsLoopback reports whether host names the local machine.
func IsLoopback(host string) bool {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
