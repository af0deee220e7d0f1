package trail

import (
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rover/internal/geometry"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trail.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func readAll(t *testing.T, path string) []Segment {
	t.Helper()
	c, err := Open(path)
	require.NoError(t, err)
	defer c.Close()

	var out []Segment
	for {
		seg, err := c.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, seg)
	}
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trail.csv")
	w, err := Create(path)
	require.NoError(t, err)

	poses := []geometry.Pose{
		{X: 0, Y: 0, Theta: 0},
		{X: 1.2344, Y: -0.5, Theta: 1.2345},
		{X: -3.001, Y: 7.25, Theta: math.Pi},
		{X: 10, Y: 10, Theta: -2.5},
	}
	scans := [][]geometry.ScanPoint{
		{{X: 100, Y: 200, Z: 1850}},
		nil,
		{{X: -1, Y: -2, Z: 1800}, {X: 5000, Y: 0, Z: 1900}},
		{{X: 7, Y: 8, Z: 9}},
	}
	for i := range poses {
		require.NoError(t, w.Append(poses[i], scans[i]))
	}
	assert.Equal(t, 4, w.Count())
	require.NoError(t, w.Close())

	got := readAll(t, path)
	require.Len(t, got, len(poses))
	for i, seg := range got {
		assert.Equal(t, i, seg.Index)
		assert.InDelta(t, poses[i].X, seg.Waypoint.X, 0.0005, "waypoint %d x", i)
		assert.InDelta(t, poses[i].Y, seg.Waypoint.Y, 0.0005, "waypoint %d y", i)
		dtheta := geometry.NormalizeAngle(poses[i].Theta - seg.Waypoint.Theta)
		assert.InDelta(t, 0, dtheta, 0.05*math.Pi/180, "waypoint %d heading", i)
		if diff := cmp.Diff(scans[i], seg.Reference); diff != "" {
			t.Errorf("waypoint %d reference mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestCreateTruncates(t *testing.T) {
	path := writeFile(t, "o,1,2,3\nu,1,1,1\n")
	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Empty(t, readAll(t, path))
}

func TestReaderToleratesSpaces(t *testing.T) {
	path := writeFile(t, "o, 1000, -2000, 900\nu, 10, 20, 1850\n\no, 2000, -2000, -900\n")
	got := readAll(t, path)
	require.Len(t, got, 2)
	assert.Equal(t, 1.0, got[0].Waypoint.X)
	assert.Equal(t, -2.0, got[0].Waypoint.Y)
	assert.InDelta(t, math.Pi/2, got[0].Waypoint.Theta, 1e-12)
	assert.Equal(t, []geometry.ScanPoint{{X: 10, Y: 20, Z: 1850}}, got[0].Reference)
	assert.InDelta(t, -math.Pi/2, got[1].Waypoint.Theta, 1e-12)
	assert.Empty(t, got[1].Reference)
}

func TestMalformedLineTruncatesSegment(t *testing.T) {
	path := writeFile(t, `o,0,0,0
u,1,1,1
u,2,oops,2
u,3,3,3
o,1000,0,0
u,4,4,4
x,5,5,5
o,2000,0,0
`)
	got := readAll(t, path)
	require.Len(t, got, 3)
	assert.Equal(t, []geometry.ScanPoint{{X: 1, Y: 1, Z: 1}}, got[0].Reference)
	assert.Equal(t, []geometry.ScanPoint{{X: 4, Y: 4, Z: 4}}, got[1].Reference)
	assert.Equal(t, 2.0, got[2].Waypoint.X)
}

func TestLeadingPointsDiscarded(t *testing.T) {
	path := writeFile(t, "u,1,1,1\no,0,0,0\nu,2,2,2\n")
	got := readAll(t, path)
	require.Len(t, got, 1)
	assert.Equal(t, []geometry.ScanPoint{{X: 2, Y: 2, Z: 2}}, got[0].Reference)
}

func TestSkip(t *testing.T) {
	path := writeFile(t, "o,0,0,0\no,1000,0,0\no,2000,0,0\n")
	c, err := Open(path)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Skip(2))
	assert.Equal(t, 2, c.Index())
	seg, err := c.Next()
	require.NoError(t, err)
	assert.Equal(t, 2, seg.Index)
	assert.Equal(t, 2.0, seg.Waypoint.X)

	_, err = c.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, c.Skip(1), io.EOF)
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.csv"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseRecord(t *testing.T) {
	tests := []struct {
		name    string
		fields  []string
		want    record
		wantErr bool
	}{
		{"pose", []string{"o", "1", "-2", "3"}, record{kind: "o", a: 1, b: -2, c: 3}, false},
		{"point with spaces", []string{"u", " 4", " 5 ", "6"}, record{kind: "u", a: 4, b: 5, c: 6}, false},
		{"short", []string{"o", "1", "2"}, record{}, true},
		{"bad kind", []string{"z", "1", "2", "3"}, record{}, true},
		{"not a number", []string{"u", "1.5", "2", "3"}, record{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRecord(tt.fields)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecidegrees(t *testing.T) {
	assert.Equal(t, 900, toDecidegrees(math.Pi/2))
	assert.Equal(t, 1800, toDecidegrees(-math.Pi))
	assert.Equal(t, -450, toDecidegrees(-math.Pi/4))
	assert.InDelta(t, math.Pi, fromDecidegrees(1800), 1e-12)
	assert.InDelta(t, math.Pi, fromDecidegrees(-1800), 1e-12)
}
