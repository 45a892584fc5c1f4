package streaming

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const livePlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:2
#EXT-X-MEDIA-SEQUENCE:14
#EXTINF:2.002000,
segment_00014.ts
#EXTINF:1.998000,
segment_00015.ts
`

func TestParsePlaylist(t *testing.T) {
	p, err := ParsePlaylist(strings.NewReader(livePlaylist))
	require.NoError(t, err)

	assert.Equal(t, 2, p.TargetDuration)
	assert.Equal(t, 14, p.MediaSequence)
	require.Len(t, p.Segments, 2)
	assert.Equal(t, Segment{URI: "segment_00014.ts", Duration: 2.002, Index: 14}, p.Segments[0])
	assert.Equal(t, 15, p.Segments[1].Index)
	assert.InDelta(t, 4.0, p.Duration(), 0.001)
	assert.True(t, p.Ready())
	assert.False(t, p.Ended)
}

func TestParsePlaylist_NotReadyWithoutSegments(t *testing.T) {
	p, err := ParsePlaylist(strings.NewReader("#EXTM3U\n#EXT-X-TARGETDURATION:2\n"))
	require.NoError(t, err)
	assert.False(t, p.Ready())

	var nilPlaylist *Playlist
	assert.False(t, nilPlaylist.Ready())
}

func TestParsePlaylist_Errors(t *testing.T) {
	for name, body := range map[string]string{
		"empty":          "",
		"missing header": "#EXT-X-VERSION:3\n",
		"bad duration":   "#EXTM3U\n#EXTINF:abc,\nsegment_00001.ts\n",
		"bad sequence":   "#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:x\n",
		"bad target":     "#EXTM3U\n#EXT-X-TARGETDURATION:two\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePlaylist(strings.NewReader(body))
			assert.Error(t, err)
		})
	}
}

func TestParsePlaylist_EndList(t *testing.T) {
	p, err := ParsePlaylist(strings.NewReader(livePlaylist + "#EXT-X-ENDLIST\n"))
	require.NoError(t, err)
	assert.True(t, p.Ended)
}
