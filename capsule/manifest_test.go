package capsule

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func writeManifest(t *testing.T, root, dir, body string) {
	t.Helper()
	d := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(d, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(d, manifestFilename), []byte(body), 0o644))
}

func names(cs []Capsule) []string {
	var out []string
	for _, c := range cs {
		out = append(out, c.Name())
	}
	return out
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "a_whole", "name: whole\nkind: fullframe\noptions:\n  class: scene\n")
	writeManifest(t, root, "b_dup", "name: whole\nkind: fullframe\n")
	writeManifest(t, root, "c_broken", "name: [not\n")
	writeManifest(t, root, "d_unknown", "name: mystery\nkind: teleport\n")
	writeManifest(t, root, "e_nokind", "name: nokind\n")
	writeManifest(t, root, "f_off", "name: off\nkind: fullframe\nenabled: false\n")
	writeManifest(t, root, "g_motion", "name: moving\nkind: motion\noptions:\n  min_area: 50\n")
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), []byte("not a manifest"), 0o644))

	capsules, err := Discover(root)
	require.NoError(t, err)
	defer func() {
		for _, c := range capsules {
			c.Close()
		}
	}()

	require.Equal(t, []string{"whole", "moving"}, names(capsules))
	assert.Equal(t, "scene", capsules[0].DefaultOptions().String("class", ""))
	assert.Equal(t, 50, capsules[1].DefaultOptions().Int("min_area", 0))
	assert.Equal(t, 10, capsules[1].DefaultOptions().Int("blur", 0))
}

func TestDiscoverMissingDir(t *testing.T) {
	_, err := Discover(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestDiscoverEmptyDir(t *testing.T) {
	capsules, err := Discover(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, capsules)
}

func TestManifestPath(t *testing.T) {
	m := Manifest{Dir: "/capsules/people", Options: Options{
		"model": "net.caffemodel",
		"abs":   "/models/net.prototxt",
	}}
	assert.Equal(t, "/capsules/people/net.caffemodel", m.Path("model"))
	assert.Equal(t, "/models/net.prototxt", m.Path("abs"))
	assert.Equal(t, "", m.Path("missing"))
}

func TestMobileNetNeedsModel(t *testing.T) {
	_, err := NewMobileNet("people", "", "", nil)
	assert.Error(t, err)
}

func TestKindsIncludeBuiltins(t *testing.T) {
	assert.Subset(t, Kinds(), []string{"fullframe", "mobilenet", "motion"})
	assert.Panics(t, func() {
		Register("fullframe", nil)
	})
}

func TestFullFrame(t *testing.T) {
	c := NewFullFrame("whole", Options{"class": "scene"})
	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 3, 4, gocv.MatTypeCV8UC3)
	defer frame.Close()

	res, err := c.Process(context.Background(), frame, c.DefaultOptions(), c.State(0))
	require.NoError(t, err)
	recs := Flatten(res)
	require.Len(t, recs, 1)
	assert.Equal(t, "scene", recs[0].Class)
	assert.EqualValues(t, 1, recs[0].Confidence)
	assert.Equal(t, 4, recs[0].Rect.Dx())
	assert.Equal(t, 3, recs[0].Rect.Dy())
	assert.Len(t, recs[0].Coords, 4)
}

func TestMotionIgnoresSmallRegions(t *testing.T) {
	c := NewMotion("moving", Options{"min_area": 1e9})
	state := c.State(0)
	defer state.(*motionState).Release()

	for i := 0; i < 3; i++ {
		frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(float64(i*100), 0, 0, 0), 32, 32, gocv.MatTypeCV8UC3)
		res, err := c.Process(context.Background(), frame, c.DefaultOptions(), state)
		frame.Close()
		require.NoError(t, err)
		assert.Empty(t, Flatten(res))
	}
}
