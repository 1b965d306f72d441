package submit

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"teamcache/internal/filespace"
	"teamcache/internal/models"
	"teamcache/internal/profile"
	"teamcache/internal/store"
)

// JobCreator persists a validated job with its items atomically.
type JobCreator interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
}

// Lister resolves directories into flat file lists and sizes individual
// files. The default implementation walks the filespace mount; tests swap in
// a fake.
type Lister interface {
	ListDir(path string, recursive bool) ([]FileInfo, error)
	StatFile(path string) (FileInfo, bool)
}

// FileInfo is one resolvable file.
type FileInfo struct {
	Path string
	Size int64
}

// Request is a caching submission: explicit files and/or directories to
// expand, with the original inputs kept for audit.
type Request struct {
	Files       []string
	Directories []string
	Recursive   bool
}

// Service validates and normalizes caching requests into persisted jobs.
type Service struct {
	router       *filespace.Router
	catalog      *profile.Catalog
	lister       Lister
	jobs         JobCreator
	allowedRoots []string
}

// NewService wires the submission pipeline. allowedRoots limits where jobs
// may reach; empty means any path under a registered filespace.
func NewService(router *filespace.Router, catalog *profile.Catalog, lister Lister, jobs JobCreator, allowedRoots []string) *Service {
	roots := make([]string, 0, len(allowedRoots))
	for _, r := range allowedRoots {
		roots = append(roots, filespace.Normalize(r))
	}
	return &Service{
		router:       router,
		catalog:      catalog,
		lister:       lister,
		jobs:         jobs,
		allowedRoots: roots,
	}
}

// Submit validates the request, expands directories, selects a profile, and
// persists the job plus its items in one transaction. The flattened file
// count is final before any worker claims an item, keeping the progress
// denominator stable.
func (s *Service) Submit(ctx context.Context, req Request) (models.Job, error) {
	if len(req.Files) == 0 && len(req.Directories) == 0 {
		return models.Job{}, models.Validationf("request contains no files or directories")
	}

	var (
		items      []store.NewItem
		paths      []string
		sizes      []*int64
		totalBytes int64
		fsID       int64
		fsName     string
	)

	track := func(fi FileInfo, known bool) {
		item := store.NewItem{FilePath: fi.Path}
		if known {
			size := fi.Size
			item.FileSize = &size
			totalBytes += size
			sizes = append(sizes, &size)
		} else {
			sizes = append(sizes, nil)
		}
		items = append(items, item)
		paths = append(paths, fi.Path)
	}

	bind := func(raw string) (string, error) {
		space, normalized, err := s.router.Resolve(raw)
		if err != nil {
			return "", err
		}
		if fsID != 0 && space.ID != fsID {
			return "", models.Validationf("paths span filespaces %s and %s; submit one job per filespace", fsName, space.Name)
		}
		fsID, fsName = space.ID, space.Name
		if err := s.checkRoots(normalized); err != nil {
			return "", err
		}
		return normalized, nil
	}

	for _, raw := range req.Files {
		normalized, err := bind(raw)
		if err != nil {
			return models.Job{}, err
		}
		if fi, ok := s.lister.StatFile(normalized); ok {
			track(fi, true)
		} else {
			// Size unknown until the worker fetches it.
			track(FileInfo{Path: normalized}, false)
		}
	}

	for _, raw := range req.Directories {
		normalized, err := bind(raw)
		if err != nil {
			return models.Job{}, err
		}
		files, err := s.lister.ListDir(normalized, req.Recursive)
		if err != nil {
			return models.Job{}, models.Validationf("directory %q is not listable: %v", raw, err)
		}
		for _, fi := range files {
			track(fi, true)
		}
	}

	if len(items) == 0 {
		return models.Job{}, models.Validationf("request resolves to zero files")
	}

	params := store.CreateJobParams{
		FilePaths:      req.Files,
		DirectoryPaths: req.Directories,
		Items:          items,
		FilespaceID:    fsID,
		TotalSizeBytes: totalBytes,
	}
	if p, ok := s.catalog.Select(profile.Summarize(paths, sizes)); ok {
		pid := p.ID
		params.ProfileID = &pid
	}

	job, err := s.jobs.CreateJob(ctx, params)
	if err != nil {
		return models.Job{}, err
	}
	log.Printf("[Submit] job %s created: %d files, %d bytes, filespace=%s", job.ID, job.TotalFiles, job.TotalSizeBytes, fsName)
	return job, nil
}

func (s *Service) checkRoots(normalized string) error {
	if len(s.allowedRoots) == 0 {
		return nil
	}
	for _, root := range s.allowedRoots {
		if normalized == root || strings.HasPrefix(normalized, root+"/") {
			return nil
		}
	}
	return models.Validationf("path %q is outside the allowed roots", normalized)
}

// MountLister walks real filespace mounts.
type MountLister struct{}

// ListDir flattens a directory into its files. Non-recursive listings take
// only direct children.
func (MountLister) ListDir(path string, recursive bool) ([]FileInfo, error) {
	var out []FileInfo
	if recursive {
		err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			out = append(out, FileInfo{Path: filepath.ToSlash(p), Size: info.Size()})
			return nil
		})
		return out, err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		out = append(out, FileInfo{Path: filepath.ToSlash(filepath.Join(path, e.Name())), Size: info.Size()})
	}
	return out, nil
}

// StatFile sizes a single file; ok=false leaves the size to be populated
// lazily by the worker.
func (MountLister) StatFile(path string) (FileInfo, bool) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return FileInfo{}, false
	}
	return FileInfo{Path: path, Size: info.Size()}, true
}
