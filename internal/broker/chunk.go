package broker

// sequencer 为音频分片编号；保留一片用于判断哪一片是最后一片
type sequencer struct {
	emit  func(TTSChunk) error
	held  []byte
	has   bool
	sent  int
	bytes int
}

func (s *sequencer) push(data []byte) error {
	if s.has {
		if err := s.emit(TTSChunk{Data: s.held, Sequence: s.sent}); err != nil {
			return err
		}
		s.sent++
	}
	s.held = data
	s.has = true
	s.bytes += len(data)
	return nil
}

// finish 输出最后一片并标记 done；没有任何音频时输出一个空的结束片
func (s *sequencer) finish() error {
	data := s.held
	s.held, s.has = nil, false
	if err := s.emit(TTSChunk{Data: data, Sequence: s.sent, Done: true}); err != nil {
		return err
	}
	s.sent++
	return nil
}

// reset 丢弃尚未发出的分片
func (s *sequencer) reset() {
	s.held, s.has = nil, false
	s.bytes = 0
}

// splitResult 优先使用 worker 给出的分片，否则按 size 切分整段音频
func splitResult(res TTSResult, size int) [][]byte {
	if len(res.Chunks) > 0 {
		return res.Chunks
	}
	return splitBytes(res.Audio, size)
}

func splitBytes(data []byte, size int) [][]byte {
	if size <= 0 || len(data) == 0 {
		if len(data) == 0 {
			return nil
		}
		return [][]byte{data}
	}
	parts := make([][]byte, 0, (len(data)+size-1)/size)
	for start := 0; start < len(data); start += size {
		end := min(start+size, len(data))
		parts = append(parts, data[start:end])
	}
	return parts
}

// estimateDuration 按 PCM16 单声道估算时长（秒）
func estimateDuration(bytes, sampleRate int) float64 {
	if sampleRate <= 0 {
		sampleRate = placeholderSampleRate
	}
	return float64(bytes) / float64(sampleRate*2)
}
