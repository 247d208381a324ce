package trackers

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Virtual tracker names.
const (
	Hips       = "Hips"
	Chest      = "Chest"
	LeftFoot   = "LeftFoot"
	RightFoot  = "RightFoot"
	LeftElbow  = "LeftElbow"
	RightElbow = "RightElbow"
)

// MediaPipe pose landmark indices.
const (
	landmarkLeftShoulder  = 11
	landmarkRightShoulder = 12
	landmarkLeftElbow     = 13
	landmarkRightElbow    = 14
	landmarkLeftHip       = 23
	landmarkRightHip      = 24
	landmarkLeftAnkle     = 27
	landmarkRightAnkle    = 28
)

// VirtualTracker is a named body point such as the hips or an elbow. Rotation is always identity.
type VirtualTracker struct {
	Name     string
	Position r3.Vector
	Rotation quat.Number
}

// VirtualTrackers derives body trackers from triangulated pose landmarks indexed like MediaPipe's
// 33-point model. A tracker is emitted only when all the landmarks it needs are present.
func VirtualTrackers(landmarks []*r3.Vector) []VirtualTracker {
	at := func(i int) *r3.Vector {
		if i < len(landmarks) {
			return landmarks[i]
		}
		return nil
	}
	var out []VirtualTracker
	add := func(name string, p r3.Vector) {
		out = append(out, VirtualTracker{Name: name, Position: p, Rotation: quat.Number{Real: 1}})
	}

	for _, mid := range []struct {
		name string
		a, b int
	}{
		{Hips, landmarkLeftHip, landmarkRightHip},
		{Chest, landmarkLeftShoulder, landmarkRightShoulder},
	} {
		a, b := at(mid.a), at(mid.b)
		if a != nil && b != nil {
			add(mid.name, a.Add(*b).Mul(0.5))
		}
	}
	for _, single := range []struct {
		name string
		i    int
	}{
		{LeftFoot, landmarkLeftAnkle},
		{RightFoot, landmarkRightAnkle},
		{LeftElbow, landmarkLeftElbow},
		{RightElbow, landmarkRightElbow},
	} {
		if p := at(single.i); p != nil {
			add(single.name, *p)
		}
	}
	return out
}
