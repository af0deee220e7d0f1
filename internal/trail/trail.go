// Package trail reads and writes recorded trails: a line-oriented CSV file of
// waypoint poses, each followed by the reference scan points captured with it.
//
//	o,<x_mm>,<y_mm>,<heading_decidegrees>
//	u,<x_mm>,<y_mm>,<z_mm>
package trail

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/banshee-data/rover/internal/fsutil"
	"github.com/banshee-data/rover/internal/geometry"
	"github.com/banshee-data/rover/internal/monitoring"
)

var logf = monitoring.Prefixed("trail")

// ErrMalformed is wrapped by every record parse failure.
var ErrMalformed = errors.New("malformed trail record")

const (
	kindPose  = "o"
	kindPoint = "u"
)

// Segment is one waypoint and the reference points recorded with it.
type Segment struct {
	Index     int
	Waypoint  geometry.Pose
	Reference []geometry.ScanPoint
}

func toDecidegrees(rad float64) int {
	return int(math.Round(geometry.NormalizeAngle(rad) * 1800 / math.Pi))
}

func fromDecidegrees(d int) float64 {
	return geometry.NormalizeAngle(float64(d) * math.Pi / 1800)
}

// Writer appends waypoints to a new trail file.
type Writer struct {
	f     io.WriteCloser
	w     *csv.Writer
	count int
}

// Create truncates or creates the trail file at path.
func Create(path string) (*Writer, error) {
	return CreateFS(fsutil.OSFileSystem{}, path)
}

// CreateFS is Create on fsys.
func CreateFS(fsys fsutil.FileSystem, path string) (*Writer, error) {
	f, err := fsys.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trail %s: %w", path, err)
	}
	return &Writer{f: f, w: csv.NewWriter(f)}, nil
}

// Append writes a pose record followed by its reference points and flushes,
// so a crash loses at most the waypoint being written.
func (w *Writer) Append(pose geometry.Pose, points []geometry.ScanPoint) error {
	p := geometry.PointFromMeters(pose.X, pose.Y)
	rec := []string{kindPose, strconv.Itoa(p.X), strconv.Itoa(p.Y), strconv.Itoa(toDecidegrees(pose.Theta))}
	if err := w.w.Write(rec); err != nil {
		return fmt.Errorf("write waypoint %d: %w", w.count, err)
	}
	for _, sp := range points {
		rec = append(rec[:0], kindPoint, strconv.Itoa(sp.X), strconv.Itoa(sp.Y), strconv.Itoa(sp.Z))
		if err := w.w.Write(rec); err != nil {
			return fmt.Errorf("write waypoint %d: %w", w.count, err)
		}
	}
	w.w.Flush()
	if err := w.w.Error(); err != nil {
		return fmt.Errorf("flush waypoint %d: %w", w.count, err)
	}
	w.count++
	return nil
}

// Count returns the number of waypoints written.
func (w *Writer) Count() int {
	return w.count
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	w.w.Flush()
	err := w.w.Error()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}

type record struct {
	kind    string
	a, b, c int
}

func parseRecord(fields []string) (record, error) {
	if len(fields) != 4 {
		return record{}, fmt.Errorf("%w: %d fields, want 4", ErrMalformed, len(fields))
	}
	r := record{kind: strings.TrimSpace(fields[0])}
	if r.kind != kindPose && r.kind != kindPoint {
		return record{}, fmt.Errorf("%w: unknown kind %q", ErrMalformed, r.kind)
	}
	for i, dst := range []*int{&r.a, &r.b, &r.c} {
		v, err := strconv.Atoi(strings.TrimSpace(fields[i+1]))
		if err != nil {
			return record{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, i+1, err)
		}
		*dst = v
	}
	return r, nil
}

// Cursor plays a trail back one segment at a time.
type Cursor struct {
	f     io.ReadCloser
	r     *csv.Reader
	next  *geometry.Pose // pose record that ended the previous segment
	index int
}

// Open opens the trail at path positioned before the first waypoint.
func Open(path string) (*Cursor, error) {
	return OpenFS(fsutil.OSFileSystem{}, path)
}

// OpenFS is Open on fsys.
func OpenFS(fsys fsutil.FileSystem, path string) (*Cursor, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trail %s: %w", path, err)
	}
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	r.ReuseRecord = true
	return &Cursor{f: f, r: r}, nil
}

// Next returns the next waypoint with its reference points, or io.EOF once
// the trail is exhausted. A malformed line truncates the segment it is in;
// reading resumes at the next valid pose record.
func (c *Cursor) Next() (Segment, error) {
	if c.next == nil {
		if err := c.advance(nil); err != nil {
			return Segment{}, err
		}
		if c.next == nil {
			return Segment{}, io.EOF
		}
	}

	seg := Segment{Index: c.index, Waypoint: *c.next}
	c.next = nil
	if err := c.advance(&seg.Reference); err != nil {
		return Segment{}, err
	}
	c.index++
	return seg, nil
}

// advance reads records into points until the next valid pose record, which
// it leaves in c.next. A nil points discards point records.
func (c *Cursor) advance(points *[]geometry.ScanPoint) error {
	truncated := points == nil
	for {
		fields, err := c.r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			logf("%v, skipping to next waypoint", err)
			truncated = true
			continue
		}
		if err != nil {
			return fmt.Errorf("read trail: %w", err)
		}

		rec, err := parseRecord(fields)
		if err != nil {
			line, _ := c.r.FieldPos(0)
			logf("line %d: %v, skipping to next waypoint", line, err)
			truncated = true
			continue
		}
		if rec.kind == kindPose {
			c.next = &geometry.Pose{X: float64(rec.a) / 1000, Y: float64(rec.b) / 1000, Theta: fromDecidegrees(rec.c)}
			return nil
		}
		if !truncated {
			*points = append(*points, geometry.ScanPoint{X: rec.a, Y: rec.b, Z: rec.c})
		}
	}
}

// Skip discards n waypoints so playback starts part way along the trail.
func (c *Cursor) Skip(n int) error {
	for i := 0; i < n; i++ {
		if _, err := c.Next(); err != nil {
			return err
		}
	}
	return nil
}

// Index returns the index of the segment the next call to Next returns.
func (c *Cursor) Index() int {
	return c.index
}

// Close closes the underlying file.
func (c *Cursor) Close() error {
	return c.f.Close()
}
