package corners

import (
	"image"
	"image/color"
	"math/rand"
	"stereoposetracker/chessboard"
	"stereoposetracker/utils"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/test"
)

func testView(rotation r3.Vector) chessboard.View {
	return chessboard.View{
		Intrinsics: &transform.PinholeCameraIntrinsics{
			Width: 320, Height: 240, Fx: 400, Fy: 400, Ppx: 159.5, Ppy: 119.5,
		},
		Rotation:    rotation,
		Translation: r3.Vector{X: -50, Y: -80, Z: 450},
		Supersample: 3,
	}
}

func TestRegistry(t *testing.T) {
	logger := logging.NewTestLogger(t)
	test.That(t, Available(), test.ShouldContain, DefaultDetector)

	d, err := New("", chessboard.DefaultGeometry(), logger)
	test.That(t, err, test.ShouldBeNil)
	_, ok := d.(*SaddleDetector)
	test.That(t, ok, test.ShouldBeTrue)

	_, err = New("does-not-exist", chessboard.DefaultGeometry(), logger)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = New(DefaultDetector, chessboard.Geometry{Cols: 1, Rows: 1, SquareSize: 1}, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestOrderGridShuffled(t *testing.T) {
	cols, rows := 6, 9
	// a mild perspective map from grid indices to pixels
	project := func(i, j float64) r2.Point {
		w := 1 + 0.002*i - 0.001*j
		return r2.Point{X: (40 + 20*i + 1.5*j) / w, Y: (30 - 1.0*i + 19*j) / w}
	}
	want := make([]r2.Point, 0, cols*rows)
	for j := 0; j < rows; j++ {
		for i := 0; i < cols; i++ {
			want = append(want, project(float64(i), float64(j)))
		}
	}

	shuffled := append([]r2.Point(nil), want...)
	rand.New(rand.NewSource(7)).Shuffle(len(shuffled), func(a, b int) {
		shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
	})

	got, spacing, ok := orderGrid(shuffled, cols, rows)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, spacing, test.ShouldBeGreaterThan, 15)
	test.That(t, got, test.ShouldResemble, want)

	_, _, ok = orderGrid(shuffled[1:], cols, rows)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestSaddleDetectorOrdering(t *testing.T) {
	logger := logging.NewTestLogger(t)
	board := chessboard.Geometry{Cols: 6, Rows: 9, SquareSize: 20}
	d, err := NewSaddleDetector(board, logger)
	test.That(t, err, test.ShouldBeNil)

	for _, rotation := range []r3.Vector{
		{},
		{X: 0.15, Y: -0.1, Z: 0.05},
		{X: -0.1, Y: 0.2, Z: -0.08},
	} {
		view := testView(rotation)
		img, err := chessboard.RenderView(board, view)
		test.That(t, err, test.ShouldBeNil)

		pts, found := d.Detect(img)
		test.That(t, found, test.ShouldBeTrue)
		test.That(t, len(pts), test.ShouldEqual, board.Count())

		cam := &utils.CameraModel{Intrinsics: view.Intrinsics}
		rot := utils.Rodrigues(view.Rotation)
		for k, obj := range board.ObjectPoints() {
			expected := cam.ProjectPose(rot, view.Translation, obj)
			test.That(t, pts[k].Sub(expected).Norm(), test.ShouldBeLessThan, 0.3)
		}
	}
}

func TestSaddleDetectorRejects(t *testing.T) {
	logger := logging.NewTestLogger(t)
	board := chessboard.Geometry{Cols: 6, Rows: 9, SquareSize: 20}
	d, err := NewSaddleDetector(board, logger)
	test.That(t, err, test.ShouldBeNil)

	blank := image.NewGray(image.Rect(0, 0, 320, 240))
	for i := range blank.Pix {
		blank.Pix[i] = 200
	}
	_, found := d.Detect(blank)
	test.That(t, found, test.ShouldBeFalse)

	_, found = d.Detect(nil)
	test.That(t, found, test.ShouldBeFalse)

	// a board with a different layout than the one configured
	other, err := chessboard.RenderView(chessboard.Geometry{Cols: 3, Rows: 4, SquareSize: 20}, testView(r3.Vector{}))
	test.That(t, err, test.ShouldBeNil)
	_, found = d.Detect(other)
	test.That(t, found, test.ShouldBeFalse)
}

func TestDraw(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 40, 30))
	pts := []r2.Point{{X: 10, Y: 10}, {X: 30, Y: 10}}
	green := color.RGBA{G: 255, A: 255}

	out := Draw(src, pts, true, green, 2)
	test.That(t, out.Bounds(), test.ShouldResemble, src.Bounds())
	test.That(t, out.RGBAAt(10, 10), test.ShouldResemble, green)
	test.That(t, out.RGBAAt(12, 10), test.ShouldResemble, green)
	test.That(t, out.RGBAAt(10, 12), test.ShouldResemble, green)
	// joined because the board was found
	test.That(t, out.RGBAAt(20, 10), test.ShouldResemble, green)
	test.That(t, out.RGBAAt(20, 20), test.ShouldResemble, color.RGBA{A: 255})
	// source untouched
	test.That(t, src.GrayAt(10, 10).Y, test.ShouldEqual, 0)

	out = Draw(src, pts, false, green, 2)
	test.That(t, out.RGBAAt(20, 10), test.ShouldResemble, color.RGBA{A: 255})
}
