package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed persistence for the folder/item/file
// hierarchy and for tales
type Store struct {
	db       *sql.DB
	logger   *slog.Logger
	assetDir string
}

// Option configures a Store
type Option func(*Store)

// WithAssetDir sets the directory uploaded file content is written to
func WithAssetDir(dir string) Option {
	return func(s *Store) { s.assetDir = dir }
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// :memory: databases are per-connection
	db.SetMaxOpenConns(1)

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	// Run migrations
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Store initialized successfully", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// Collection Operations
// ============================================================================

// EnsureCollection returns the collection with the given name, creating it
// if necessary
func (s *Store) EnsureCollection(name string) (Node, error) {
	if name == "" {
		return Node{}, fmt.Errorf("collection name is empty")
	}
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO collections (id, name, created) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO NOTHING`,
		uuid.NewString(), name, now,
	)
	if err != nil {
		return Node{}, fmt.Errorf("failed to insert collection: %w", err)
	}

	n := Node{Kind: KindCollection, Meta: Meta{}}
	err = s.db.QueryRow(`SELECT id, name, created FROM collections WHERE name = ?`, name).
		Scan(&n.ID, &n.Name, &n.Created)
	if err != nil {
		return Node{}, fmt.Errorf("failed to query collection: %w", err)
	}
	n.Updated = n.Created
	return n, nil
}

// ============================================================================
// Folder and Item Operations
// ============================================================================

const folderColumns = `id, parent_id, parent_type, name, meta, created, updated`
const itemColumns = `id, folder_id, name, meta, created, updated`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFolder(row rowScanner) (Node, error) {
	n := Node{Kind: KindFolder}
	var parentType, raw string
	if err := row.Scan(&n.ID, &n.ParentID, &parentType, &n.Name, &raw, &n.Created, &n.Updated); err != nil {
		return Node{}, err
	}
	n.ParentType = Kind(parentType)
	meta, err := decodeMeta(raw)
	if err != nil {
		return Node{}, fmt.Errorf("failed to decode folder meta: %w", err)
	}
	n.Meta = meta
	return n, nil
}

func scanItem(row rowScanner) (Node, error) {
	n := Node{Kind: KindItem, ParentType: KindFolder}
	var raw string
	if err := row.Scan(&n.ID, &n.ParentID, &n.Name, &raw, &n.Created, &n.Updated); err != nil {
		return Node{}, err
	}
	meta, err := decodeMeta(raw)
	if err != nil {
		return Node{}, fmt.Errorf("failed to decode item meta: %w", err)
	}
	n.Meta = meta
	return n, nil
}

// CreateOrReuseFolder returns the folder called name under the given parent,
// creating it if it does not exist. Concurrent callers observe the same
// folder.
func (s *Store) CreateOrReuseFolder(parentType Kind, parentID, name string) (Node, error) {
	if name == "" {
		return Node{}, fmt.Errorf("folder name is empty")
	}
	switch parentType {
	case KindFolder, KindCollection, KindUser:
	default:
		return Node{}, fmt.Errorf("invalid folder parent type %q", parentType)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Node{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if parentType == KindFolder {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM folders WHERE id = ?`, parentID).Scan(&exists); err != nil {
			return Node{}, fmt.Errorf("failed to check parent folder: %w", err)
		}
		if exists == 0 {
			return Node{}, fmt.Errorf("parent folder %s: %w", parentID, ErrNotFound)
		}
	}

	now := time.Now().UTC()
	_, err = tx.Exec(
		`INSERT INTO folders (id, parent_id, parent_type, name, meta, created, updated)
		 VALUES (?, ?, ?, ?, '{}', ?, ?)
		 ON CONFLICT(parent_id, parent_type, name) DO NOTHING`,
		uuid.NewString(), parentID, string(parentType), name, now, now,
	)
	if err != nil {
		return Node{}, fmt.Errorf("failed to insert folder: %w", err)
	}

	n, err := scanFolder(tx.QueryRow(
		`SELECT `+folderColumns+` FROM folders WHERE parent_id = ? AND parent_type = ? AND name = ?`,
		parentID, string(parentType), name,
	))
	if err != nil {
		return Node{}, fmt.Errorf("failed to query folder: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Node{}, fmt.Errorf("failed to commit folder: %w", err)
	}
	return n, nil
}

// CreateOrReuseItem returns the item called name in folderID, creating it
// if it does not exist
func (s *Store) CreateOrReuseItem(folderID, name string) (Node, error) {
	if name == "" {
		return Node{}, fmt.Errorf("item name is empty")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Node{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM folders WHERE id = ?`, folderID).Scan(&exists); err != nil {
		return Node{}, fmt.Errorf("failed to check parent folder: %w", err)
	}
	if exists == 0 {
		return Node{}, fmt.Errorf("parent folder %s: %w", folderID, ErrNotFound)
	}

	now := time.Now().UTC()
	_, err = tx.Exec(
		`INSERT INTO items (id, folder_id, name, meta, created, updated)
		 VALUES (?, ?, ?, '{}', ?, ?)
		 ON CONFLICT(folder_id, name) DO NOTHING`,
		uuid.NewString(), folderID, name, now, now,
	)
	if err != nil {
		return Node{}, fmt.Errorf("failed to insert item: %w", err)
	}

	n, err := scanItem(tx.QueryRow(
		`SELECT `+itemColumns+` FROM items WHERE folder_id = ? AND name = ?`, folderID, name,
	))
	if err != nil {
		return Node{}, fmt.Errorf("failed to query item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Node{}, fmt.Errorf("failed to commit item: %w", err)
	}
	return n, nil
}

// SetMetadata merges meta into the node's metadata. A nil value removes the
// key.
func (s *Store) SetMetadata(kind Kind, id string, meta Meta) (Node, error) {
	table, err := tableFor(kind)
	if err != nil {
		return Node{}, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Node{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRow(`SELECT meta FROM `+table+` WHERE id = ?`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Node{}, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
		}
		return Node{}, fmt.Errorf("failed to query %s meta: %w", kind, err)
	}
	current, err := decodeMeta(raw)
	if err != nil {
		return Node{}, fmt.Errorf("failed to decode %s meta: %w", kind, err)
	}
	for k, v := range meta {
		if v == nil {
			delete(current, k)
			continue
		}
		current[k] = v
	}
	encoded, err := encodeMeta(current)
	if err != nil {
		return Node{}, fmt.Errorf("failed to encode %s meta: %w", kind, err)
	}
	if _, err := tx.Exec(`UPDATE `+table+` SET meta = ?, updated = ? WHERE id = ?`,
		encoded, time.Now().UTC(), id); err != nil {
		return Node{}, fmt.Errorf("failed to update %s meta: %w", kind, err)
	}
	if err := tx.Commit(); err != nil {
		return Node{}, fmt.Errorf("failed to commit %s meta: %w", kind, err)
	}
	return s.GetNode(kind, id)
}

func tableFor(kind Kind) (string, error) {
	switch kind {
	case KindFolder:
		return "folders", nil
	case KindItem:
		return "items", nil
	default:
		return "", fmt.Errorf("unsupported node kind %q", kind)
	}
}

// GetNode retrieves a folder or item by ID
func (s *Store) GetNode(kind Kind, id string) (Node, error) {
	var (
		n   Node
		err error
	)
	switch kind {
	case KindFolder:
		n, err = scanFolder(s.db.QueryRow(`SELECT `+folderColumns+` FROM folders WHERE id = ?`, id))
	case KindItem:
		n, err = scanItem(s.db.QueryRow(`SELECT `+itemColumns+` FROM items WHERE id = ?`, id))
	default:
		return Node{}, fmt.Errorf("unsupported node kind %q", kind)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Node{}, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
		}
		return Node{}, fmt.Errorf("failed to query %s: %w", kind, err)
	}
	return n, nil
}

// GetFolder retrieves a folder by ID
func (s *Store) GetFolder(id string) (Node, error) { return s.GetNode(KindFolder, id) }

// GetItem retrieves an item by ID
func (s *Store) GetItem(id string) (Node, error) { return s.GetNode(KindItem, id) }

// ChildFolders lists folders directly under the given parent, ordered by name
func (s *Store) ChildFolders(parentType Kind, parentID string) ([]Node, error) {
	return s.queryFolders(
		`SELECT `+folderColumns+` FROM folders WHERE parent_id = ? AND parent_type = ? ORDER BY name`,
		parentID, string(parentType),
	)
}

// ChildItems lists items directly in a folder, ordered by name
func (s *Store) ChildItems(folderID string) ([]Node, error) {
	rows, err := s.db.Query(`SELECT `+itemColumns+` FROM items WHERE folder_id = ? ORDER BY name`, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []Node
	for rows.Next() {
		n, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}
	return items, nil
}

func (s *Store) queryFolders(query string, args ...interface{}) ([]Node, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query folders: %w", err)
	}
	defer rows.Close()

	var folders []Node
	for rows.Next() {
		n, err := scanFolder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan folder: %w", err)
		}
		folders = append(folders, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating folders: %w", err)
	}
	return folders, nil
}

// FindFolderByIdentifier returns the oldest folder whose meta.identifier
// equals identifier
func (s *Store) FindFolderByIdentifier(identifier string) (Node, bool, error) {
	n, err := scanFolder(s.db.QueryRow(
		`SELECT `+folderColumns+` FROM folders
		 WHERE json_extract(meta, '$.identifier') = ?
		 ORDER BY created LIMIT 1`, identifier,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Node{}, false, nil
		}
		return Node{}, false, fmt.Errorf("failed to query folder by identifier: %w", err)
	}
	return n, true, nil
}

// FindFolderByNameAndSize returns the first folder called name whose
// recursive content size equals size
func (s *Store) FindFolderByNameAndSize(name string, size int64) (Node, bool, error) {
	candidates, err := s.queryFolders(
		`SELECT `+folderColumns+` FROM folders WHERE name = ? ORDER BY created`, name,
	)
	if err != nil {
		return Node{}, false, err
	}
	for _, c := range candidates {
		total, err := s.FolderSize(c.ID)
		if err != nil {
			return Node{}, false, err
		}
		if total == size {
			return c, true, nil
		}
	}
	return Node{}, false, nil
}

// FolderSize returns the total size of every file below a folder
func (s *Store) FolderSize(folderID string) (int64, error) {
	const query = `
		WITH RECURSIVE tree(id) AS (
			SELECT ?
			UNION ALL
			SELECT f.id FROM folders f
			JOIN tree t ON f.parent_id = t.id AND f.parent_type = 'folder'
		)
		SELECT COALESCE(SUM(fl.size), 0)
		FROM files fl
		JOIN items i ON fl.item_id = i.id
		WHERE i.folder_id IN (SELECT id FROM tree)
	`
	var total int64
	if err := s.db.QueryRow(query, folderID).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum folder size: %w", err)
	}
	return total, nil
}

// ParentsToRoot returns the folder ancestors of n, top-most first. The walk
// stops at the first non-folder parent.
func (s *Store) ParentsToRoot(n Node) ([]Node, error) {
	var chain []Node
	parentID, parentType := n.ParentID, n.ParentType
	seen := map[string]bool{n.ID: true}
	for parentType == KindFolder {
		if seen[parentID] {
			return nil, fmt.Errorf("folder cycle detected at %s", parentID)
		}
		seen[parentID] = true
		p, err := s.GetFolder(parentID)
		if err != nil {
			return nil, err
		}
		chain = append(chain, p)
		parentID, parentType = p.ParentID, p.ParentType
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// ============================================================================
// File Operations
// ============================================================================

const fileColumns = `id, item_id, name, size, mime_type, link_url, asset_path, sha256, created`

func scanFile(row rowScanner) (File, error) {
	f := File{}
	err := row.Scan(&f.ID, &f.ItemID, &f.Name, &f.Size, &f.MimeType,
		&f.LinkURL, &f.AssetPath, &f.SHA256, &f.Created)
	return f, err
}

// ItemFiles lists the files attached to an item
func (s *Store) ItemFiles(itemID string) ([]File, error) {
	rows, err := s.db.Query(`SELECT `+fileColumns+` FROM files WHERE item_id = ? ORDER BY created, name`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating files: %w", err)
	}
	return files, nil
}

// HasFile reports whether an item already has at least one file
func (s *Store) HasFile(itemID string) (bool, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM files WHERE item_id = ?`, itemID).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to count files: %w", err)
	}
	return count > 0, nil
}

// AttachLinkFile records a file whose content lives at url
func (s *Store) AttachLinkFile(itemID, name, url string, size int64, mimeType string) (File, error) {
	if url == "" {
		return File{}, fmt.Errorf("link url is empty")
	}
	return s.insertFile(File{
		ItemID:   itemID,
		Name:     name,
		Size:     size,
		MimeType: mimeType,
		LinkURL:  url,
	})
}

// AttachFileFromStream copies r into the asset directory and records it
// against itemID. A non-negative size is checked against the bytes read.
func (s *Store) AttachFileFromStream(itemID, name string, r io.Reader, size int64, mimeType string) (File, error) {
	if s.assetDir == "" {
		return File{}, fmt.Errorf("store has no asset directory configured")
	}
	id := uuid.NewString()
	dir := filepath.Join(s.assetDir, id[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return File{}, fmt.Errorf("failed to create asset dir: %w", err)
	}
	dest := filepath.Join(dir, id)

	out, err := os.Create(dest)
	if err != nil {
		return File{}, fmt.Errorf("failed to create asset: %w", err)
	}
	h := sha256.New()
	n, copyErr := io.Copy(io.MultiWriter(out, h), r)
	closeErr := out.Close()
	if copyErr != nil {
		os.Remove(dest)
		return File{}, fmt.Errorf("failed to write asset: %w", copyErr)
	}
	if closeErr != nil {
		os.Remove(dest)
		return File{}, fmt.Errorf("failed to close asset: %w", closeErr)
	}
	if size >= 0 && n != size {
		os.Remove(dest)
		return File{}, fmt.Errorf("size mismatch for %s: expected %d, wrote %d", name, size, n)
	}

	f, err := s.insertFile(File{
		ID:        id,
		ItemID:    itemID,
		Name:      name,
		Size:      n,
		MimeType:  mimeType,
		AssetPath: dest,
		SHA256:    hex.EncodeToString(h.Sum(nil)),
	})
	if err != nil {
		os.Remove(dest)
		return File{}, err
	}
	if f.ID != id {
		// lost a race with an identical attach; keep the existing record
		os.Remove(dest)
	}
	return f, nil
}

func (s *Store) insertFile(f File) (File, error) {
	if f.Name == "" {
		return File{}, fmt.Errorf("file name is empty")
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if _, err := s.GetItem(f.ItemID); err != nil {
		return File{}, err
	}
	_, err := s.db.Exec(
		`INSERT INTO files (`+fileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(item_id, name) DO NOTHING`,
		f.ID, f.ItemID, f.Name, f.Size, f.MimeType, f.LinkURL, f.AssetPath, f.SHA256, time.Now().UTC(),
	)
	if err != nil {
		return File{}, fmt.Errorf("failed to insert file: %w", err)
	}
	out, err := scanFile(s.db.QueryRow(
		`SELECT `+fileColumns+` FROM files WHERE item_id = ? AND name = ?`, f.ItemID, f.Name,
	))
	if err != nil {
		return File{}, fmt.Errorf("failed to query file: %w", err)
	}
	return out, nil
}

// FindFileByLinkURL returns the oldest link file pointing at url
func (s *Store) FindFileByLinkURL(url string) (File, bool, error) {
	f, err := scanFile(s.db.QueryRow(
		`SELECT `+fileColumns+` FROM files WHERE link_url = ? ORDER BY created LIMIT 1`, url,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return File{}, false, nil
		}
		return File{}, false, fmt.Errorf("failed to query file by link: %w", err)
	}
	return f, true, nil
}

// OpenFile opens the content of an uploaded file
func (s *Store) OpenFile(f File) (io.ReadCloser, error) {
	if f.IsLink() {
		return nil, fmt.Errorf("file %s is a link to %s", f.ID, f.LinkURL)
	}
	if s.assetDir == "" || !strings.HasPrefix(f.AssetPath, s.assetDir) {
		return nil, fmt.Errorf("file %s is outside the asset directory", f.ID)
	}
	return os.Open(f.AssetPath)
}
