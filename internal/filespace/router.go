package filespace

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"teamcache/internal/models"
)

// Router resolves raw client paths to a registered filespace and the
// canonical path used by workers. Matching is prefix-based against each
// filespace mount point after stripping platform-specific prefixes.
type Router struct {
	filespaces []models.Filespace
}

// NewRouter builds a router over the registered filespaces.
func NewRouter(filespaces []models.Filespace) *Router {
	return &Router{filespaces: filespaces}
}

var driveLetter = regexp.MustCompile(`^[A-Za-z]:[\\/]`)

// Normalize strips platform prefixes (drive letters, /Volumes/<name>,
// /mnt/<name>) and collapses the path to forward-slash form rooted at "/".
func Normalize(raw string) string {
	p := strings.TrimSpace(raw)
	p = driveLetter.ReplaceAllString(p, "/")
	p = strings.ReplaceAll(p, `\`, "/")
	for _, prefix := range []string{"/Volumes/", "/mnt/"} {
		if strings.HasPrefix(p, prefix) {
			rest := strings.TrimPrefix(p, prefix)
			if i := strings.IndexByte(rest, '/'); i >= 0 {
				p = "/" + rest[:i] + rest[i:]
			} else {
				p = "/" + rest
			}
			break
		}
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

type match struct {
	fs   models.Filespace
	path string
}

// Resolve returns the filespace owning the path and the path re-rooted under
// that filespace's mount point. A path matches a filespace when it already
// lives under the mount point, or when its first segment is the filespace
// name (the form clients submit after a platform prefix like /Volumes/<name>
// is stripped). Zero matches are a validation error; so is more than one,
// since silently picking a mount would cache against the wrong remote.
func (r *Router) Resolve(raw string) (models.Filespace, string, error) {
	normalized := Normalize(raw)

	var matches []match
	for _, fs := range r.filespaces {
		mount := path.Clean("/" + strings.TrimPrefix(strings.ReplaceAll(fs.MountPoint, `\`, "/"), "/"))
		if normalized == mount || strings.HasPrefix(normalized, mount+"/") {
			matches = append(matches, match{fs: fs, path: normalized})
			continue
		}
		nameRoot := "/" + fs.Name
		if normalized == nameRoot {
			matches = append(matches, match{fs: fs, path: mount})
		} else if strings.HasPrefix(normalized, nameRoot+"/") {
			matches = append(matches, match{fs: fs, path: mount + strings.TrimPrefix(normalized, nameRoot)})
		}
	}

	switch len(matches) {
	case 0:
		return models.Filespace{}, "", models.Validationf("path %q does not resolve to any registered filespace", raw)
	case 1:
		return matches[0].fs, matches[0].path, nil
	default:
		names := make([]string, 0, len(matches))
		for _, m := range matches {
			names = append(names, m.fs.Name)
		}
		return models.Filespace{}, "", models.Validationf("path %q is ambiguous across filespaces %s", raw, strings.Join(names, ", "))
	}
}

// ParseSpec parses one "name=mount_point=instance_id" config entry.
func ParseSpec(spec string) (models.Filespace, error) {
	parts := strings.SplitN(spec, "=", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return models.Filespace{}, fmt.Errorf("invalid filespace spec %q (want name=mount_point[=instance_id])", spec)
	}
	fs := models.Filespace{Name: parts[0], MountPoint: parts[1]}
	if len(parts) == 3 {
		fs.InstanceID = parts[2]
	}
	return fs, nil
}
