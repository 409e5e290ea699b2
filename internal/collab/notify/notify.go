// Package notify reports user-visible outcomes: transient toasts and
// persistent inline messages for failures that change session state.
package notify

import (
	"sync"

	"github.com/rs/zerolog/log"
)

type Notifier interface {
	Info(msg string)
	Success(msg string)
	Error(msg string)
	// Persistent is for failures the user has to act on, such as a failed join.
	Persistent(msg string)
}

// Log writes notifications to the global logger. Used by headless participants.
type Log struct{}

func (Log) Info(msg string)    { log.Info().Str("module", "notify").Msg(msg) }
func (Log) Success(msg string) { log.Info().Str("module", "notify").Bool("success", true).Msg(msg) }
func (Log) Error(msg string)   { log.Warn().Str("module", "notify").Msg(msg) }
func (Log) Persistent(msg string) {
	log.Error().Str("module", "notify").Bool("persistent", true).Msg(msg)
}

type Kind int

const (
	KindInfo Kind = iota
	KindSuccess
	KindError
	KindPersistent
)

type Entry struct {
	Kind Kind
	Msg  string
}

// Recorder keeps every notification in order.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *Recorder) add(k Kind, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Kind: k, Msg: msg})
}

func (r *Recorder) Info(msg string)       { r.add(KindInfo, msg) }
func (r *Recorder) Success(msg string)    { r.add(KindSuccess, msg) }
func (r *Recorder) Error(msg string)      { r.add(KindError, msg) }
func (r *Recorder) Persistent(msg string) { r.add(KindPersistent, msg) }

func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Messages returns the texts of every entry of kind k.
func (r *Recorder) Messages(k Kind) []string {
	var out []string
	for _, e := range r.Entries() {
		if e.Kind == k {
			out = append(out, e.Msg)
		}
	}
	return out
}
