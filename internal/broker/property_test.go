package broker

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

// TestProperty_SplitBytesReassembles 切片拼接后与原始音频一致，且每片不超过上限
func TestProperty_SplitBytesReassembles(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		data := rapid.SliceOf(rapid.Byte()).Draw(rt, "audio")
		size := rapid.IntRange(1, 64).Draw(rt, "size")

		parts := splitBytes(data, size)
		var joined []byte
		for i, p := range parts {
			if len(p) == 0 || len(p) > size {
				rt.Fatalf("part %d has length %d (size %d)", i, len(p), size)
			}
			joined = append(joined, p...)
		}
		if !bytes.Equal(joined, data) {
			rt.Fatalf("reassembled audio differs")
		}
	})
}

// TestProperty_SequencerNumbering 分片序号从 0 连续递增，仅最后一片 Done
func TestProperty_SequencerNumbering(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 30).Draw(rt, "parts")

		var got []TTSChunk
		seq := &sequencer{emit: func(c TTSChunk) error {
			got = append(got, c)
			return nil
		}}
		for i := 0; i < n; i++ {
			if err := seq.push([]byte{byte(i)}); err != nil {
				rt.Fatal(err)
			}
		}
		if err := seq.finish(); err != nil {
			rt.Fatal(err)
		}

		want := max(n, 1)
		if len(got) != want {
			rt.Fatalf("emitted %d chunks, want %d", len(got), want)
		}
		for i, c := range got {
			if c.Sequence != i {
				rt.Fatalf("chunk %d has sequence %d", i, c.Sequence)
			}
			if c.Done != (i == len(got)-1) {
				rt.Fatalf("chunk %d done=%v", i, c.Done)
			}
		}
	})
}
