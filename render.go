package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
)

var (
	OpusSilence     = []byte{0xf8, 0xff, 0xfe}
	SilenceDuration = 1 * time.Second
)

// PlaySource is a single audio input: either a local file (used for
// announcement clips) or a remote stream URL, with an optional seek
// offset for resuming mid-track.
type PlaySource struct {
	Path string
	URL  string
	Seek time.Duration
}

// Renderer plays audio into a guild voice channel. Play blocks until
// the source finishes or Stop cancels it.
type Renderer interface {
	Connect(ctx context.Context, channelID snowflake.ID) error
	Disconnect(ctx context.Context)
	Connected() bool
	ChannelID() snowflake.ID
	Play(ctx context.Context, src PlaySource) error
	Stop()
	Pause(paused bool)
	SetVolume(pct int)
	Position() time.Duration
}

// GuildRenderer drives one guild's voice connection and transcoding
// pipeline.
type GuildRenderer struct {
	guildID snowflake.ID
	client  *bot.Client

	mu         sync.Mutex
	conn       voice.Conn
	channelID  snowflake.ID
	connected  bool
	playCancel context.CancelFunc
	transcoder *AstiavTranscoder

	pauseMu   sync.RWMutex
	pauseChan chan struct{}

	lifeCtx context.Context
	volume  atomic.Int32
}

func NewGuildRenderer(lifeCtx context.Context, client *bot.Client, guildID snowflake.ID) *GuildRenderer {
	r := &GuildRenderer{
		guildID:   guildID,
		client:    client,
		lifeCtx:   lifeCtx,
		pauseChan: make(chan struct{}),
	}
	close(r.pauseChan) // closed channel means not paused
	r.volume.Store(100)
	return r
}

// Connect opens the voice connection with exponential backoff.
func (r *GuildRenderer) Connect(ctx context.Context, channelID snowflake.ID) error {
	r.mu.Lock()
	if r.connected && r.channelID == channelID {
		r.mu.Unlock()
		return nil
	}
	if r.conn == nil {
		r.conn = r.client.VoiceManager.CreateConn(r.guildID)
	}
	conn := r.conn
	r.mu.Unlock()

	var lastErr error
	for i := range 5 {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 1000 * time.Millisecond
			LogRender(MsgRenderConnecting, r.guildID, channelID, i+1, 5)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := conn.Open(ctx, channelID, false, false); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}

	if lastErr != nil {
		LogRender(MsgRenderConnectFail, r.guildID, lastErr)
		conn.Close(ctx)
		return lastErr
	}

	r.mu.Lock()
	r.connected = true
	r.channelID = channelID
	r.mu.Unlock()
	return nil
}

func (r *GuildRenderer) Disconnect(ctx context.Context) {
	r.Stop()

	r.mu.Lock()
	conn := r.conn
	channelID := r.channelID
	r.conn = nil
	r.connected = false
	r.channelID = 0
	r.mu.Unlock()

	if channelID != 0 {
		route := rest.NewEndpoint(http.MethodPut, "/channels/"+channelID.String()+"/voice-status")
		_ = r.client.Rest.Do(route.Compile(nil), map[string]string{"status": ""}, nil)
	}
	if conn != nil {
		conn.Close(ctx)
	}
	LogRender(MsgRenderDisconnected, r.guildID)
}

func (r *GuildRenderer) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *GuildRenderer) ChannelID() snowflake.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channelID
}

func (r *GuildRenderer) SetVolume(pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 200 {
		pct = 200
	}
	r.volume.Store(int32(pct))
}

// Pause gates frame delivery without tearing down the pipeline.
func (r *GuildRenderer) Pause(paused bool) {
	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()
	if paused {
		select {
		case <-r.pauseChan:
			r.pauseChan = make(chan struct{})
		default:
		}
	} else {
		select {
		case <-r.pauseChan:
		default:
			close(r.pauseChan)
		}
	}
}

// Position reports how far into the current source playback is.
func (r *GuildRenderer) Position() time.Duration {
	r.mu.Lock()
	t := r.transcoder
	r.mu.Unlock()
	if t == nil {
		return 0
	}
	return time.Duration(float64(t.GetTimestamp()) / 48000.0 * float64(time.Second))
}

// Stop cancels the in-flight Play, if any.
func (r *GuildRenderer) Stop() {
	r.mu.Lock()
	cancel := r.playCancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Play transcodes the source to opus and feeds it to the connection.
// It returns when the source drains, the context is canceled, or Stop
// is called.
func (r *GuildRenderer) Play(ctx context.Context, src PlaySource) error {
	r.mu.Lock()
	if r.playCancel != nil {
		r.playCancel()
	}
	playCtx, cancel := context.WithCancel(ctx)
	r.playCancel = cancel
	conn := r.conn
	r.mu.Unlock()
	defer cancel()

	if conn == nil {
		return errors.New("not connected to voice")
	}

	p := NewStreamProvider(r, playCtx)
	done := make(chan struct{})
	p.OnFinish = func() {
		close(done)
	}

	input := src.Path
	if input == "" {
		input = src.URL
	}
	if input == "" {
		return errors.New("empty play source")
	}

	go func() {
		defer p.PushFrame(nil)
		t := NewAstiavTranscoder()
		t.volume = &r.volume
		defer func() {
			r.mu.Lock()
			if r.transcoder == t {
				r.transcoder = nil
			}
			r.mu.Unlock()
		}()
		defer t.Close()
		if err := t.OpenInput(input, nil); err != nil {
			LogRender("Transcoder OpenInput failed: %v", err)
			return
		}

		r.mu.Lock()
		r.transcoder = t
		r.mu.Unlock()

		if err := t.SetupDecoder(); err != nil {
			LogRender("Transcoder SetupDecoder failed: %v", err)
			return
		}
		if err := t.SetupEncoder(); err != nil {
			LogRender("Transcoder SetupEncoder failed: %v", err)
			return
		}

		if src.Seek > 0 {
			// The transcode loop picks the offset up from the seek
			// channel on its first iteration.
			safeGo(func() {
				if _, err := t.Seek(int64(src.Seek.Seconds()*48000), 0); err == nil {
					LogRender(MsgRenderSeekApplied, r.guildID, int(src.Seek.Seconds()))
				}
			})
		}

		if err := t.Transcode(playCtx, p.PushFrame); err != nil && !errors.Is(err, context.Canceled) {
			LogRender("Transcoder finished for: %s (Err: %v)", input, err)
		}
	}()

	r.setOpusFrameProviderSafe(p)
	r.setSpeakingSafe(voice.SpeakingFlagMicrophone)

	select {
	case <-done:
		LogRender(MsgRenderStreamEnd, r.guildID, TruncateCenter(input, 80))
	case <-playCtx.Done():
	case <-r.lifeCtx.Done():
		cancel()
	}

	r.setOpusFrameProviderSafe(nil)
	r.setSpeakingSafe(0)
	select {
	case <-time.After(200 * time.Millisecond):
	case <-r.lifeCtx.Done():
	}
	return nil
}

func (r *GuildRenderer) setOpusFrameProviderSafe(provider voice.OpusFrameProvider) {
	if r.lifeCtx.Err() != nil {
		return
	}
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil || (reflect.ValueOf(conn).Kind() == reflect.Ptr && reflect.ValueOf(conn).IsNil()) {
		return
	}

	for i := range 3 {
		if trySetOpusFrameProvider(conn, provider) {
			return
		}
		if i < 2 {
			select {
			case <-time.After(150 * time.Millisecond):
			case <-r.lifeCtx.Done():
				return
			}
		}
		if r.lifeCtx.Err() != nil {
			return
		}
	}
	LogRender("Exhausted retries for SetOpusFrameProvider in guild %s", r.guildID)
}

func trySetOpusFrameProvider(conn voice.Conn, provider voice.OpusFrameProvider) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	conn.SetOpusFrameProvider(provider)
	return true
}

func (r *GuildRenderer) setSpeakingSafe(flags voice.SpeakingFlags) {
	if r.lifeCtx.Err() != nil {
		return
	}
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil || (reflect.ValueOf(conn).Kind() == reflect.Ptr && reflect.ValueOf(conn).IsNil()) {
		return
	}

	for i := 0; i < 3; i++ {
		if r.trySetSpeaking(conn, flags) {
			return
		}
		if i < 2 {
			select {
			case <-time.After(150 * time.Millisecond):
			case <-r.lifeCtx.Done():
				return
			}
		}
		if r.lifeCtx.Err() != nil {
			return
		}
	}
	LogRender("Exhausted retries for SetSpeaking in guild %s", r.guildID)
}

func (r *GuildRenderer) trySetSpeaking(conn voice.Conn, flags voice.SpeakingFlags) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	conn.SetSpeaking(r.lifeCtx, flags)
	return true
}

// ===========================
// Stream Provider
// ===========================

type StreamProvider struct {
	frames        chan []byte
	OnFinish      func()
	once          sync.Once
	rend          *GuildRenderer
	ctx           context.Context
	draining      bool
	silenceFrames int
}

func NewStreamProvider(r *GuildRenderer, ctx context.Context) *StreamProvider {
	return &StreamProvider{
		frames: make(chan []byte, 100),
		rend:   r,
		ctx:    ctx,
	}
}

func (p *StreamProvider) Close() {
	p.once.Do(func() {
		if p.OnFinish != nil {
			p.OnFinish()
		}
	})
}

func (p *StreamProvider) PushFrame(f []byte) {
	select {
	case p.frames <- f:
	case <-p.rend.lifeCtx.Done():
	case <-p.ctx.Done():
	}
}

func (p *StreamProvider) ProvideOpusFrame() ([]byte, error) {
	p.rend.pauseMu.RLock()
	pauseChan := p.rend.pauseChan
	p.rend.pauseMu.RUnlock()

	select {
	case <-pauseChan:
	case <-p.rend.lifeCtx.Done():
		return nil, io.EOF
	case <-p.ctx.Done():
		return nil, io.EOF
	}

	if p.draining {
		target := int(SilenceDuration.Milliseconds() / 20)
		if p.silenceFrames < target {
			p.silenceFrames++
			return OpusSilence, nil
		}
		p.Close()
		return nil, io.EOF
	}

	select {
	case f := <-p.frames:
		if f == nil {
			p.draining = true
			return OpusSilence, nil
		}
		return f, nil
	case <-p.rend.lifeCtx.Done():
		p.Close()
		return nil, io.EOF
	case <-p.ctx.Done():
		p.Close()
		return nil, io.EOF
	case <-time.After(500 * time.Millisecond):
		return OpusSilence, nil
	}
}

// ===========================
// Transcoder
// ===========================

// AstiavTranscoder transcodes audio frames to Opus format
type AstiavTranscoder struct {
	inputCtx               *astiav.FormatContext
	decoderCtx, encoderCtx *astiav.CodecContext
	audioStreamIndex       int
	packet                 *astiav.Packet
	frame                  *astiav.Frame
	resampleCtx            *astiav.SoftwareResampleContext
	resampleFrame          *astiav.Frame
	fifo                   *astiav.AudioFifo
	reader                 io.Reader
	onFrame                func([]byte)
	pts                    int64
	seekChan               chan int64
	volume                 *atomic.Int32
	frameCount             int64
}

func NewAstiavTranscoder() *AstiavTranscoder {
	return &AstiavTranscoder{
		packet:        astiav.AllocPacket(),
		frame:         astiav.AllocFrame(),
		resampleFrame: astiav.AllocFrame(),
		seekChan:      make(chan int64),
	}
}

func (t *AstiavTranscoder) Seek(offset int64, whence int) (int64, error) {
	if whence != 0 {
		return 0, errors.New("only absolute seek is supported")
	}
	select {
	case t.seekChan <- offset:
		return offset, nil
	case <-time.After(5 * time.Second):
		return 0, errors.New("transcoder busy (seek timed out)")
	}
}

func (t *AstiavTranscoder) GetTimestamp() int64 {
	return atomic.LoadInt64(&t.pts)
}

func (t *AstiavTranscoder) OpenInput(in string, r io.Reader) error {
	t.inputCtx = astiav.AllocFormatContext()
	if t.inputCtx == nil {
		return errors.New("failed to alloc ctx")
	}
	if r != nil {
		t.reader = r
		seekFunc := func(offset int64, whence int) (int64, error) {
			if whence == 2 {
				return -1, errors.New("seeking from end not supported during download")
			}
			if s, ok := r.(io.Seeker); ok {
				return s.Seek(offset, whence)
			}
			return 0, errors.New("seek not supported")
		}

		ioCtx, err := astiav.AllocIOContext(16*1024, false, func(b []byte) (int, error) {
			return t.reader.Read(b)
		}, seekFunc, nil)
		if err != nil {
			return err
		}
		t.inputCtx.SetPb(ioCtx)
		t.inputCtx.SetFlags(t.inputCtx.Flags().Add(astiav.FormatContextFlagCustomIo))

		opts := astiav.NewDictionary()
		defer opts.Free()
		opts.Set("probesize", "10000000", 0)
		opts.Set("analyzeduration", "10000000", 0)
		opts.Set("fflags", "nobuffer", 0)
		opts.Set("flags", "low_delay", 0)

		if err := t.inputCtx.OpenInput(in, nil, opts); err != nil {
			return err
		}
	} else {
		var opts *astiav.Dictionary
		if strings.HasPrefix(in, "http") {
			opts = astiav.NewDictionary()
			defer opts.Free()
			opts.Set("reconnect", "1", 0)
			opts.Set("reconnect_at_eof", "1", 0)
			opts.Set("reconnect_streamed", "1", 0)
			opts.Set("reconnect_delay_max", "30", 0)
			opts.Set("timeout", "30000000", 0)
			opts.Set("probesize", "10000000", 0)
			opts.Set("analyzeduration", "10000000", 0)
		}
		if err := t.inputCtx.OpenInput(in, nil, opts); err != nil {
			return err
		}
	}
	if err := t.inputCtx.FindStreamInfo(nil); err != nil {
		return err
	}
	t.audioStreamIndex = -1
	for _, s := range t.inputCtx.Streams() {
		if s.CodecParameters().MediaType() == astiav.MediaTypeAudio {
			t.audioStreamIndex = s.Index()
			break
		}
	}
	if t.audioStreamIndex == -1 {
		return errors.New("no audio")
	}
	return nil
}

func (t *AstiavTranscoder) SetupDecoder() error {
	p := t.inputCtx.Streams()[t.audioStreamIndex].CodecParameters()
	d := astiav.FindDecoder(p.CodecID())
	if d == nil {
		return errors.New("no decoder")
	}
	t.decoderCtx = astiav.AllocCodecContext(d)
	_ = p.ToCodecContext(t.decoderCtx)
	return t.decoderCtx.Open(d, nil)
}

func (t *AstiavTranscoder) SetupEncoder() error {
	e := astiav.FindEncoderByName("libopus")
	if e == nil {
		e = astiav.FindEncoder(astiav.CodecIDOpus)
	}
	if e == nil {
		return errors.New("no encoder")
	}
	t.encoderCtx = astiav.AllocCodecContext(e)
	t.encoderCtx.SetBitRate(192000)
	t.encoderCtx.SetSampleRate(48000)
	t.encoderCtx.SetChannelLayout(astiav.ChannelLayoutStereo)
	t.encoderCtx.SetSampleFormat(astiav.SampleFormatS16)
	t.encoderCtx.SetTimeBase(astiav.NewRational(1, 48000))
	o := astiav.NewDictionary()
	defer o.Free()
	o.Set("vbr", "on", 0)
	o.Set("compression_level", "10", 0)
	o.Set("frame_size", "20", 0)
	if err := t.encoderCtx.Open(e, o); err != nil {
		return err
	}
	t.resampleCtx = astiav.AllocSoftwareResampleContext()
	if t.resampleCtx == nil {
		return errors.New("failed to allocate resampler")
	}
	return nil
}

func (t *AstiavTranscoder) Transcode(ctx context.Context, on func([]byte)) (err error) {
	// 1. Panic Recovery
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transcoder panic: %v", r)
			LogRender("CRITICAL: Transcoder panic recovered: %v", r)
		}
	}()

	// 2. Resource Cleanup
	defer t.packet.Unref()
	t.onFrame = on
	defer func() {
		if t.onFrame != nil {
			t.onFrame(nil)
		}
	}()

	fifoSize := 960 * 2
	t.fifo = astiav.AllocAudioFifo(t.encoderCtx.SampleFormat(), t.encoderCtx.ChannelLayout().Channels(), fifoSize)
	if t.fifo == nil {
		return errors.New("failed to alloc fifo")
	}
	defer func() {
		if t.fifo != nil {
			t.fifo.Free()
			t.fifo = nil
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ts := <-t.seekChan:
			if err := t.handleSeek(ts); err != nil {
				return err
			}
		default:
		}

		// 3. Reuse Packet (Unref at the end of loop or before read)
		t.packet.Unref()

		if err := t.inputCtx.ReadFrame(t.packet); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				break
			}
			return err
		}

		if t.packet.StreamIndex() != t.audioStreamIndex {
			continue
		}

		if err := t.decoderCtx.SendPacket(t.packet); err != nil {
			return err
		}

		for {
			if err := t.decoderCtx.ReceiveFrame(t.frame); err != nil {
				break
			}

			if err := t.pushToFifo(); err != nil {
				return err
			}

			t.frame.Unref()
		}
	}

	// Flush Decoder
	if t.decoderCtx != nil {
		_ = t.decoderCtx.SendPacket(nil)
		for {
			if err := t.decoderCtx.ReceiveFrame(t.frame); err != nil {
				break
			}
			if err := t.pushToFifo(); err != nil {
				return err
			}
			t.frame.Unref()
		}
	}

	// Clear FIFO
	if err := t.processFifo(true); err != nil {
		return err
	}

	// Flush Encoder
	if t.encoderCtx != nil {
		_ = t.encoderCtx.SendFrame(nil)
		for {
			t.packet.Unref()
			if t.encoderCtx.ReceivePacket(t.packet) != nil {
				break
			}
			if t.onFrame != nil {
				d := t.packet.Data()
				fd := make([]byte, len(d))
				copy(fd, d)
				t.onFrame(fd)
			}
		}
	}
	return nil
}

func (t *AstiavTranscoder) handleSeek(ts int64) error {
	streamTb := t.inputCtx.Streams()[t.audioStreamIndex].TimeBase()
	streamTs := astiav.RescaleQ(ts, astiav.NewRational(1, 48000), streamTb)

	var err error
	err = t.inputCtx.SeekFrame(t.audioStreamIndex, streamTs, astiav.SeekFlags(astiav.SeekFlagBackward))
	if err != nil && ts == 0 {
		err = t.inputCtx.SeekFrame(-1, 0, astiav.SeekFlags(astiav.SeekFlagBackward))
	}

	if err != nil {
		LogRender("SeekFrame failed: %v", err)
	} else {
		if t.decoderCtx != nil {
			t.decoderCtx.Free()
		}
		if t.encoderCtx != nil {
			t.encoderCtx.Free()
		}
		if t.resampleCtx != nil {
			t.resampleCtx.Free()
		}

		if err := t.SetupDecoder(); err != nil {
			return err
		}
		if err := t.SetupEncoder(); err != nil {
			return err
		}

		if t.fifo != nil {
			t.fifo.Free()
			t.fifo = astiav.AllocAudioFifo(t.encoderCtx.SampleFormat(), t.encoderCtx.ChannelLayout().Channels(), 960*2)
		}
		atomic.StoreInt64(&t.pts, ts)
	}
	return nil
}

func (t *AstiavTranscoder) encodeAndWrite(f *astiav.Frame) error {
	if err := t.encoderCtx.SendFrame(f); err != nil {
		return err
	}
	for {
		// Reuse Packet
		t.packet.Unref()
		if t.encoderCtx.ReceivePacket(t.packet) != nil {
			break
		}
		if t.onFrame != nil {
			d := t.packet.Data()
			fd := make([]byte, len(d))
			copy(fd, d)
			t.onFrame(fd)
		}
	}
	return nil
}

func (t *AstiavTranscoder) pushToFifo() error {
	t.resampleFrame.Unref()
	t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
	t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
	t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
	nb := int(astiav.RescaleQ(int64(t.frame.NbSamples()), astiav.NewRational(1, t.frame.SampleRate()), astiav.NewRational(1, t.encoderCtx.SampleRate())))
	if nb > 0 {
		t.resampleFrame.SetNbSamples(nb)
		_ = t.resampleFrame.AllocBuffer(0)
		if t.resampleCtx.ConvertFrame(t.frame, t.resampleFrame) == nil {
			_, _ = t.fifo.Write(t.resampleFrame)
			return t.processFifo(false)
		}
	}
	return nil
}

func (t *AstiavTranscoder) processFifo(drain bool) error {
	if t.fifo == nil {
		return nil
	}
	for {
		sz := 960
		if t.fifo.Size() < sz {
			if !drain || t.fifo.Size() == 0 {
				return nil
			}
			sz = t.fifo.Size()
		}
		t.resampleFrame.Unref()
		t.resampleFrame.SetNbSamples(sz)
		t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
		t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
		t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
		_ = t.resampleFrame.AllocBuffer(0)
		_, _ = t.fifo.Read(t.resampleFrame)

		t.frameCount++

		if t.volume != nil {
			vol := t.volume.Load()
			if vol != 100 {
				data, _ := t.resampleFrame.Data().Bytes(1)
				limit := sz * 4
				if limit > len(data) {
					limit = len(data)
				}
				for i := 0; i < limit; i += 2 {
					sample := int16(data[i]) | int16(data[i+1])<<8
					scaled := int64(sample) * int64(vol) / 100
					if scaled > math.MaxInt16 {
						scaled = math.MaxInt16
					} else if scaled < math.MinInt16 {
						scaled = math.MinInt16
					}
					data[i] = byte(scaled)
					data[i+1] = byte(scaled >> 8)
				}
				_ = t.resampleFrame.Data().SetBytes(data, 1)
			}
		}

		t.resampleFrame.SetPts(atomic.LoadInt64(&t.pts))
		atomic.AddInt64(&t.pts, int64(sz))
		if err := t.encodeAndWrite(t.resampleFrame); err != nil {
			return err
		}
	}
}

func (t *AstiavTranscoder) Close() {
	if t.resampleCtx != nil {
		t.resampleCtx.Free()
	}
	if t.resampleFrame != nil {
		t.resampleFrame.Free()
	}
	if t.packet != nil {
		t.packet.Free()
	}
	if t.frame != nil {
		t.frame.Free()
	}
	if t.decoderCtx != nil {
		t.decoderCtx.Free()
	}
	if t.encoderCtx != nil {
		t.encoderCtx.Free()
	}
	if t.inputCtx != nil {
		t.inputCtx.CloseInput()
		t.inputCtx.Free()
	}
}
