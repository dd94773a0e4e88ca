package buffer

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/at-wat/ebml-go"
	"github.com/at-wat/ebml-go/webm"
)

// ErrNoFrames is returned when a clip contains no video blocks.
var ErrNoFrames = errors.New("clip contains no frames")

type simpleTag struct {
	TagName   string `ebml:"TagName"`
	TagString string `ebml:"TagString"`
}

type tagTargets struct {
	TargetTypeValue uint64 `ebml:"TargetTypeValue"`
}

type tag struct {
	Targets   tagTargets  `ebml:"Targets"`
	SimpleTag []simpleTag `ebml:"SimpleTag"`
}

type tags struct {
	Tag []tag `ebml:"Tag"`
}

// ClipInfo is what ProbeClip recovers from a finished clip.
type ClipInfo struct {
	DocType  string
	Duration time.Duration
	Frames   int
	Tags     map[string]string
}

type probeDoc struct {
	Header  webm.EBMLHeader `ebml:"EBML"`
	Segment struct {
		Info    webm.Info      `ebml:"Info"`
		Tracks  webm.Tracks    `ebml:"Tracks"`
		Cluster []webm.Cluster `ebml:"Cluster"`
		Tags    []tags         `ebml:"Tags"`
	} `ebml:"Segment"`
}

// ProbeClip parses a Matroska clip and derives its duration from the block
// timecodes: the span from first to last block plus one frame.
func ProbeClip(path string) (*ClipInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open clip: %w", err)
	}
	defer f.Close()

	var doc probeDoc
	if err := ebml.Unmarshal(bufio.NewReader(f), &doc, ebml.WithIgnoreUnknown(true)); err != nil {
		return nil, fmt.Errorf("failed to parse clip: %w", err)
	}

	info := &ClipInfo{DocType: doc.Header.DocType, Tags: map[string]string{}}
	for _, tg := range doc.Segment.Tags {
		for _, t := range tg.Tag {
			for _, st := range t.SimpleTag {
				info.Tags[st.TagName] = st.TagString
			}
		}
	}

	scale := doc.Segment.Info.TimecodeScale
	if scale == 0 {
		scale = uint64(time.Millisecond)
	}

	var stamps []int64
	for _, c := range doc.Segment.Cluster {
		for _, b := range c.SimpleBlock {
			stamps = append(stamps, int64(c.Timecode)+int64(b.Timecode))
		}
	}
	if len(stamps) == 0 {
		return info, ErrNoFrames
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })

	var frameDur time.Duration
	if len(doc.Segment.Tracks.TrackEntry) > 0 {
		frameDur = time.Duration(doc.Segment.Tracks.TrackEntry[0].DefaultDuration)
	}
	info.Frames = len(stamps)
	info.Duration = time.Duration(stamps[len(stamps)-1]-stamps[0])*time.Duration(scale) + frameDur
	return info, nil
}

// AppendTags writes a Matroska Tags element holding kv at the end of the
// clip at path. Keys are written in sorted order.
func AppendTags(path string, kv map[string]string) error {
	if len(kv) == 0 {
		return nil
	}

	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	t := tag{Targets: tagTargets{TargetTypeValue: 50}}
	for _, k := range keys {
		t.SimpleTag = append(t.SimpleTag, simpleTag{TagName: k, TagString: kv[k]})
	}
	doc := struct {
		Tags tags `ebml:"Tags"`
	}{Tags: tags{Tag: []tag{t}}}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("failed to open clip for tags: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := ebml.Marshal(&doc, w); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode tags: %w", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write tags: %w", err)
	}
	return f.Close()
}
