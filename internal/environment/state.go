package environment

import (
	"ciengine/internal/apperrors"
	"sync"
)

// containerRepo tracks the step containers currently alive, by name.
type containerRepo struct {
	mu         sync.RWMutex
	containers map[string]string // name -> container id
}

func newContainerRepo() *containerRepo {
	return &containerRepo{containers: make(map[string]string)}
}

// reserve claims a container name. The id is empty until commit.
func (r *containerRepo) reserve(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.containers[name]; exists {
		return apperrors.Conflict("container", name, "container already exists")
	}
	r.containers[name] = ""
	return nil
}

// commit records the id of a reserved container.
func (r *containerRepo) commit(name, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers[name] = id
}

// release forgets a container and returns its id if it was known.
func (r *containerRepo) release(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, exists := r.containers[name]
	if exists {
		delete(r.containers, name)
	}
	return id, exists
}

// list returns a copy of the live containers.
func (r *containerRepo) list() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]string, len(r.containers))
	for name, id := range r.containers {
		result[name] = id
	}
	return result
}

func (r *containerRepo) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.containers)
}
