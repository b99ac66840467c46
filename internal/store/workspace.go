package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mcules/vidi-runtime/internal/imaging"
	"github.com/mcules/vidi-runtime/internal/tool"
)

// Doc is the persisted content of a workspace.
type Doc struct {
	Streams []StreamDoc
}

type StreamDoc struct {
	Name  string
	Tools []tool.Spec
}

const workspaceSchema = `
CREATE TABLE IF NOT EXISTS streams (
  name TEXT PRIMARY KEY,
  position INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tools (
  stream TEXT NOT NULL,
  name TEXT NOT NULL,
  position INTEGER NOT NULL,
  kind TEXT NOT NULL,
  roi_source TEXT NOT NULL DEFAULT '',
  rect_x INTEGER NOT NULL DEFAULT 0,
  rect_y INTEGER NOT NULL DEFAULT 0,
  rect_w INTEGER NOT NULL DEFAULT 0,
  rect_h INTEGER NOT NULL DEFAULT 0,
  grid_cols INTEGER NOT NULL DEFAULT 1,
  grid_rows INTEGER NOT NULL DEFAULT 1,
  mask_w INTEGER NOT NULL DEFAULT 0,
  mask_h INTEGER NOT NULL DEFAULT 0,
  mask BLOB,
  PRIMARY KEY (stream, name)
);

CREATE TABLE IF NOT EXISTS tool_upstreams (
  stream TEXT NOT NULL,
  tool TEXT NOT NULL,
  position INTEGER NOT NULL,
  upstream TEXT NOT NULL,
  PRIMARY KEY (stream, tool, position)
);

CREATE TABLE IF NOT EXISTS parameters (
  stream TEXT NOT NULL,
  tool TEXT NOT NULL,
  position INTEGER NOT NULL,
  name TEXT NOT NULL,
  vals TEXT NOT NULL,
  PRIMARY KEY (stream, tool, name)
);
`

// File is an open workspace file.
type File struct {
	db   *sql.DB
	path string
	temp bool
}

func Open(path string) (*File, error) {
	db, err := openDB(path, workspaceSchema)
	if err != nil {
		return nil, fmt.Errorf("open workspace %s: %w", path, err)
	}
	return &File{db: db, path: path}, nil
}

// OpenBytes opens a workspace held in memory. The bytes are copied to a
// temporary file that is removed on Close.
func OpenBytes(data []byte) (*File, error) {
	f, err := os.CreateTemp("", "vidi-*.vrws")
	if err != nil {
		return nil, err
	}
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	wf, err := Open(path)
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	wf.temp = true
	return wf, nil
}

func (f *File) Path() string { return f.path }

func (f *File) Close() error {
	if f.db == nil {
		return nil
	}
	err := f.db.Close()
	f.db = nil
	if f.temp {
		_ = os.Remove(f.path)
	}
	return err
}

// Load reads every stream in stored order.
func (f *File) Load(ctx context.Context) (Doc, error) {
	var doc Doc
	rows, err := f.db.QueryContext(ctx, "SELECT name FROM streams ORDER BY position ASC;")
	if err != nil {
		return doc, err
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return doc, err
		}
		names = append(names, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return doc, err
	}

	for _, n := range names {
		tools, err := f.loadTools(ctx, n)
		if err != nil {
			return doc, fmt.Errorf("stream %s: %w", n, err)
		}
		doc.Streams = append(doc.Streams, StreamDoc{Name: n, Tools: tools})
	}
	return doc, nil
}

func (f *File) loadTools(ctx context.Context, streamName string) ([]tool.Spec, error) {
	rows, err := f.db.QueryContext(ctx, `
SELECT name, kind, roi_source, rect_x, rect_y, rect_w, rect_h, grid_cols, grid_rows, mask_w, mask_h, mask
FROM tools WHERE stream=? ORDER BY position ASC;
`, streamName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tool.Spec
	for rows.Next() {
		var sp tool.Spec
		var kind string
		var mw, mh int
		var mask []byte
		if err := rows.Scan(&sp.Name, &kind, &sp.ROI.Source,
			&sp.ROI.Rect.X, &sp.ROI.Rect.Y, &sp.ROI.Rect.W, &sp.ROI.Rect.H,
			&sp.ROI.Grid.Cols, &sp.ROI.Grid.Rows, &mw, &mh, &mask); err != nil {
			return nil, err
		}
		sp.Kind = tool.Kind(kind)
		if mask != nil {
			img, err := imaging.New(mw, mh, mask)
			if err != nil {
				return nil, fmt.Errorf("tool %s mask: %w", sp.Name, err)
			}
			sp.ROI.Mask = img
		}
		out = append(out, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if out[i].Upstream, err = f.loadUpstreams(ctx, streamName, out[i].Name); err != nil {
			return nil, err
		}
		if out[i].Params, err = f.loadParams(ctx, streamName, out[i].Name); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (f *File) loadUpstreams(ctx context.Context, streamName, toolName string) ([]string, error) {
	rows, err := f.db.QueryContext(ctx, "SELECT upstream FROM tool_upstreams WHERE stream=? AND tool=? ORDER BY position ASC;", streamName, toolName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (f *File) loadParams(ctx context.Context, streamName, toolName string) ([]tool.Parameter, error) {
	rows, err := f.db.QueryContext(ctx, "SELECT name, vals FROM parameters WHERE stream=? AND tool=? ORDER BY position ASC;", streamName, toolName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []tool.Parameter
	for rows.Next() {
		var p tool.Parameter
		var vals string
		if err := rows.Scan(&p.Name, &vals); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(vals), &p.Values); err != nil {
			return nil, fmt.Errorf("tool %s parameter %s: %w", toolName, p.Name, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Save replaces the stored content with doc in one transaction. Parameter
// versions are not persisted; a loaded workspace starts fresh.
func (f *File) Save(ctx context.Context, doc Doc) error {
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"streams", "tools", "tool_upstreams", "parameters"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+";"); err != nil {
			return err
		}
	}

	for si, sd := range doc.Streams {
		if _, err := tx.ExecContext(ctx, "INSERT INTO streams(name, position) VALUES(?, ?);", sd.Name, si); err != nil {
			return fmt.Errorf("stream %s: %w", sd.Name, err)
		}
		for ti, sp := range sd.Tools {
			if err := saveTool(ctx, tx, sd.Name, ti, sp); err != nil {
				return fmt.Errorf("stream %s tool %s: %w", sd.Name, sp.Name, err)
			}
		}
	}
	return tx.Commit()
}

func saveTool(ctx context.Context, tx *sql.Tx, streamName string, pos int, sp tool.Spec) error {
	var mw, mh int
	var mask []byte
	if m := sp.ROI.Mask; m != nil {
		mw, mh, mask = m.Width(), m.Height(), m.Pix()
	}
	grid := sp.ROI.Grid
	if grid.Cols == 0 && grid.Rows == 0 {
		grid = tool.Grid{Cols: 1, Rows: 1}
	}
	r := sp.ROI.Rect
	_, err := tx.ExecContext(ctx, `
INSERT INTO tools(stream, name, position, kind, roi_source, rect_x, rect_y, rect_w, rect_h, grid_cols, grid_rows, mask_w, mask_h, mask)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, streamName, sp.Name, pos, string(sp.Kind), sp.ROI.Source, r.X, r.Y, r.W, r.H, grid.Cols, grid.Rows, mw, mh, mask)
	if err != nil {
		return err
	}

	for i, up := range sp.Upstream {
		if _, err := tx.ExecContext(ctx, "INSERT INTO tool_upstreams(stream, tool, position, upstream) VALUES(?, ?, ?, ?);", streamName, sp.Name, i, up); err != nil {
			return err
		}
	}
	for i, p := range sp.Params {
		vals, err := json.Marshal(p.Values)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO parameters(stream, tool, position, name, vals) VALUES(?, ?, ?, ?, ?);", streamName, sp.Name, i, p.Name, string(vals)); err != nil {
			return err
		}
	}
	return nil
}
