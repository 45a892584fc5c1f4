package domain

import "fmt"

type trackRefKind int

const (
	trackRefNone trackRefKind = iota
	trackRefID
	trackRefValue
)

// TrackRef refers to a track either by id or by a full Track value.
// The zero value is an absent reference.
type TrackRef struct {
	kind  trackRefKind
	id    TrackID
	track Track
}

func TrackRefByID(id TrackID) TrackRef {
	if id == "" {
		return TrackRef{}
	}
	return TrackRef{kind: trackRefID, id: id}
}

func TrackRefOf(t Track) TrackRef {
	return TrackRef{kind: trackRefValue, id: t.ID, track: t}
}

// IsZero reports whether the reference is absent.
func (r TrackRef) IsZero() bool {
	return r.kind == trackRefNone
}

// ID returns the referenced track id, or "" for an absent reference.
func (r TrackRef) ID() TrackID {
	return r.id
}

// TrackLookup resolves track ids against the live state of a room.
type TrackLookup interface {
	Track(id TrackID) (Track, bool)
}

// ResolveTrack turns a reference into a Track. References by value are
// refreshed from the lookup when the track is still known there, so the
// returned state is the live one.
func ResolveTrack(ref TrackRef, lookup TrackLookup) (Track, error) {
	switch ref.kind {
	case trackRefID:
		if lookup == nil {
			return Track{}, fmt.Errorf("%w: %s", ErrTrackNotFound, ref.id)
		}
		t, ok := lookup.Track(ref.id)
		if !ok {
			return Track{}, fmt.Errorf("%w: %s", ErrTrackNotFound, ref.id)
		}
		return t, nil
	case trackRefValue:
		if lookup != nil {
			if t, ok := lookup.Track(ref.id); ok {
				return t, nil
			}
		}
		if ref.track.ID == "" || ref.track.Kind == "" {
			return Track{}, ErrInvalidTrackRef
		}
		return ref.track, nil
	default:
		return Track{}, ErrInvalidTrackRef
	}
}
