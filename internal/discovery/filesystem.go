package discovery

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// SceneDocumentSuffix marks scene documents.
	SceneDocumentSuffix = ".scene.yaml"
	// PrefabDocumentSuffix marks prefab asset documents.
	PrefabDocumentSuffix = ".prefab.yaml"

	gitMetadataDirectoryNameConstant  = ".git"
	journalDirectoryNameConstant      = ".cmupgrade"
	libraryDirectoryNameConstant      = "Library"
	hiddenDirectoryPrefixConstant     = "."
	discoveryCurrentDirectoryConstant = "."
)

// DocumentKind classifies a discovered document by its suffix.
type DocumentKind string

// Supported document kinds.
const (
	DocumentKindScene  DocumentKind = DocumentKind("scene")
	DocumentKindPrefab DocumentKind = DocumentKind("prefab")
)

// Document describes a discovered scope document.
type Document struct {
	// Name is the slash-separated path relative to the root it was found under.
	Name string
	// Path is the filesystem location of the document.
	Path string
	Kind DocumentKind
}

// FilesystemDocumentDiscoverer locates scope documents on disk.
type FilesystemDocumentDiscoverer struct{}

// NewFilesystemDocumentDiscoverer constructs a document discoverer backed by filepath.WalkDir.
func NewFilesystemDocumentDiscoverer() *FilesystemDocumentDiscoverer {
	return &FilesystemDocumentDiscoverer{}
}

// DiscoverDocuments walks the provided roots and returns scene and prefab documents.
// Prefabs sort before scenes; each group is ordered by name.
func (discoverer *FilesystemDocumentDiscoverer) DiscoverDocuments(roots []string) ([]Document, error) {
	seen := make(map[string]struct{})
	var documents []Document

	for _, root := range roots {
		walkError := filepath.WalkDir(root, func(path string, directoryEntry fs.DirEntry, walkError error) error {
			if walkError != nil {
				return nil
			}

			if directoryEntry.IsDir() {
				if path != root && isSkippedDirectory(directoryEntry.Name()) {
					return fs.SkipDir
				}
				return nil
			}

			kind, isDocument := ClassifyDocument(directoryEntry.Name())
			if !isDocument {
				return nil
			}

			absolutePath, absoluteError := filepath.Abs(path)
			if absoluteError != nil {
				absolutePath = path
			}
			if _, alreadySeen := seen[absolutePath]; alreadySeen {
				return nil
			}
			seen[absolutePath] = struct{}{}

			relativePath, relativeError := filepath.Rel(root, path)
			if relativeError != nil {
				relativePath = directoryEntry.Name()
			}

			documents = append(documents, Document{
				Name: filepath.ToSlash(relativePath),
				Path: path,
				Kind: kind,
			})
			return nil
		})
		if walkError != nil {
			return nil, walkError
		}
	}

	SortDocuments(documents)
	return documents, nil
}

// ClassifyDocument reports the document kind implied by a file name.
func ClassifyDocument(fileName string) (DocumentKind, bool) {
	lowerName := strings.ToLower(fileName)
	switch {
	case strings.HasSuffix(lowerName, PrefabDocumentSuffix):
		return DocumentKindPrefab, true
	case strings.HasSuffix(lowerName, SceneDocumentSuffix):
		return DocumentKindScene, true
	default:
		return "", false
	}
}

// SortDocuments orders prefabs before scenes, then by name.
func SortDocuments(documents []Document) {
	sort.SliceStable(documents, func(left, right int) bool {
		if documents[left].Kind != documents[right].Kind {
			return documents[left].Kind == DocumentKindPrefab
		}
		return documents[left].Name < documents[right].Name
	})
}

func isSkippedDirectory(name string) bool {
	if name == gitMetadataDirectoryNameConstant || name == journalDirectoryNameConstant || name == libraryDirectoryNameConstant {
		return true
	}
	return strings.HasPrefix(name, hiddenDirectoryPrefixConstant) && name != discoveryCurrentDirectoryConstant
}
