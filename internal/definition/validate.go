package definition

import (
	"ciengine/internal/apperrors"
	"ciengine/internal/artifact"
	"ciengine/internal/step"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

var notificationEvents = map[string]bool{"queued": true, "started": true, "finished": true}

// normalize fills defaults and validates d. It parses rule strings into
// their unexported forms.
func (d *BuildDefinition) normalize() error {
	if !idPattern.MatchString(d.ID) {
		return apperrors.Validation("id", fmt.Sprintf("invalid definition id %q", d.ID))
	}
	if d.VCS.DefaultBranch == "" {
		d.VCS.DefaultBranch = "main"
	}
	if d.MaxRunningBuilds < 0 {
		return apperrors.Validation("maxRunningBuilds", "maxRunningBuilds must not be negative")
	}
	if err := step.Validate("steps", d.Steps); err != nil {
		return err
	}

	rules, err := artifact.ParseRules("artifactRules", d.ArtifactRules)
	if err != nil {
		return err
	}
	d.artifactRules = rules

	if err := d.normalizeDependencies(); err != nil {
		return err
	}
	if err := d.normalizeLocks(); err != nil {
		return err
	}
	if err := d.normalizeTriggers(); err != nil {
		return err
	}
	return d.validateNotifications()
}

func (d *BuildDefinition) normalizeDependencies() error {
	seen := make(map[string]bool, len(d.Dependencies))
	for i := range d.Dependencies {
		dep := &d.Dependencies[i]
		field := fmt.Sprintf("dependencies[%d]", i)

		if dep.On == "" {
			return apperrors.Validation(field+".on", "upstream definition id is required")
		}
		if dep.On == d.ID {
			return apperrors.CyclicDependency([]string{d.ID, d.ID})
		}
		if seen[dep.On] {
			return apperrors.Validation(field+".on", fmt.Sprintf("duplicate dependency on %s", dep.On))
		}
		seen[dep.On] = true

		if dep.Kind == "" {
			dep.Kind = KindSnapshot
		}
		if dep.OnFailure == "" {
			dep.OnFailure = OnFailureFailToStart
		}
		switch dep.OnFailure {
		case OnFailureFailToStart, OnFailureIgnore, OnFailureRunAnyway:
		default:
			return apperrors.Validation(field+".onFailure", fmt.Sprintf("unknown failure policy %q", dep.OnFailure))
		}
		if dep.ReuseBuilds == "" {
			dep.ReuseBuilds = ReuseRunning
		}
		switch dep.ReuseBuilds {
		case ReuseRunning, ReuseSuccessful, ReuseAny:
		default:
			return apperrors.Validation(field+".reuseBuilds", fmt.Sprintf("unknown reuse policy %q", dep.ReuseBuilds))
		}

		switch dep.Kind {
		case KindSnapshot:
			if len(dep.Rules) > 0 || dep.CleanDestination || dep.Destination != "" {
				return apperrors.Validation(field, "rules, destination and cleanDestination apply to artifact dependencies only")
			}
		case KindArtifact:
			if len(dep.Rules) == 0 {
				return apperrors.Validation(field+".rules", "artifact dependency needs at least one rule")
			}
			rules, err := artifact.ParseRules(field+".rules", dep.Rules)
			if err != nil {
				return err
			}
			dep.rules = rules
			if err := relativeDir(field+".destination", dep.Destination); err != nil {
				return err
			}
			if dep.CleanDestination && path.Clean("/"+dep.Destination) == "/" {
				return apperrors.Validation(field+".destination", "cleanDestination needs a destination below the workspace root")
			}
		default:
			return apperrors.Validation(field+".kind", fmt.Sprintf("unknown dependency kind %q", dep.Kind))
		}
	}
	return nil
}

func (d *BuildDefinition) normalizeLocks() error {
	seen := make(map[string]bool, len(d.Locks))
	for i := range d.Locks {
		l := &d.Locks[i]
		field := fmt.Sprintf("locks[%d]", i)
		if strings.TrimSpace(l.Name) == "" {
			return apperrors.Validation(field+".name", "lock name is required")
		}
		if seen[l.Name] {
			return apperrors.Validation(field+".name", fmt.Sprintf("duplicate lock %s", l.Name))
		}
		seen[l.Name] = true
		if l.Mode == "" {
			l.Mode = LockWrite
		}
		if l.Mode != LockWrite && l.Mode != LockRead {
			return apperrors.Validation(field+".mode", fmt.Sprintf("unknown lock mode %q", l.Mode))
		}
	}
	return nil
}

func (d *BuildDefinition) normalizeTriggers() error {
	for i := range d.Triggers {
		t := &d.Triggers[i]
		field := fmt.Sprintf("triggers[%d]", i)
		if t.Name == "" {
			t.Name = fmt.Sprintf("%s-trigger-%d", d.ID, i)
		}
		if t.Batching == "" {
			t.Batching = BatchPerCommit
		}
		if t.Batching != BatchPerCommit && t.Batching != BatchPerCommitter {
			return apperrors.Validation(field+".batching", fmt.Sprintf("unknown batching %q", t.Batching))
		}
		if t.Window < 0 {
			return apperrors.Validation(field+".window", "window must not be negative")
		}
	}
	return nil
}

func (d *BuildDefinition) validateNotifications() error {
	for i, n := range d.Notifications {
		field := fmt.Sprintf("notifications[%d]", i)
		u, err := url.Parse(n.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return apperrors.Validation(field+".url", "notification url must be an absolute http(s) URL")
		}
		for _, e := range n.Events {
			if !notificationEvents[e] {
				return apperrors.Validation(field+".events", fmt.Sprintf("unknown event %q", e))
			}
		}
	}
	return nil
}

func relativeDir(field, p string) error {
	if p == "" {
		return nil
	}
	clean := path.Clean(p)
	if strings.HasPrefix(p, "/") || clean == ".." || strings.HasPrefix(clean, "../") {
		return apperrors.Validation(field, "destination must stay inside the workspace")
	}
	return nil
}
