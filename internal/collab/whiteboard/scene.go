package whiteboard

import (
	"slices"
	"sync"

	"github.com/dkeye/Studyroom/internal/domain"
)

// Surface is the drawing canvas the bridge keeps in sync.
type Surface interface {
	Elements() []domain.Element
	AppState() domain.AppState
	// Apply replaces the whole scene.
	Apply(elements []domain.Element, app domain.AppState)
}

// Scene is an in-memory Surface. Element order is draw order.
type Scene struct {
	mu       sync.RWMutex
	elements []domain.Element
	app      domain.AppState
}

func NewScene() *Scene { return &Scene{} }

func (s *Scene) Elements() []domain.Element {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.elements)
}

func (s *Scene) AppState() domain.AppState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.app
}

func (s *Scene) Apply(elements []domain.Element, app domain.AppState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elements = slices.Clone(elements)
	s.app = app
}

// Upsert replaces the element with the same id or appends it.
func (s *Scene) Upsert(el domain.Element) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := slices.IndexFunc(s.elements, func(e domain.Element) bool { return e.ID == el.ID }); i >= 0 {
		s.elements[i] = el
		return
	}
	s.elements = append(s.elements, el)
}

func (s *Scene) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.elements)
	s.elements = slices.DeleteFunc(s.elements, func(e domain.Element) bool { return e.ID == id })
	return len(s.elements) != n
}

func (s *Scene) SetAppState(app domain.AppState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.app = app
}
