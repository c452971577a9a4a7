package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Edge neural voices used for announcements. A random voice is picked
// per announcement so the radio host changes between tracks.
var ttsVoices = []string{
	"en-US-GuyNeural",
	"en-US-JennyNeural",
	"en-US-AriaNeural",
	"en-US-DavisNeural",
	"en-US-TonyNeural",
	"en-US-SaraNeural",
	"en-US-NancyNeural",
	"en-US-JasonNeural",
	"en-GB-RyanNeural",
	"en-GB-SoniaNeural",
	"en-GB-ThomasNeural",
	"en-GB-LibbyNeural",
	"en-AU-WilliamNeural",
	"en-AU-NatashaNeural",
	"en-IN-PrabhatNeural",
	"en-IN-NeerjaNeural",
	"en-IE-ConnorNeural",
	"en-IE-EmilyNeural",
	"en-ZA-LeahNeural",
	"en-ZA-LukeNeural",
	"en-NZ-MitchellNeural",
	"en-NZ-MollyNeural",
	"en-SG-WayneNeural",
	"en-KE-AsiliaNeural",
	"en-KE-ChilembaNeural",
	"en-PH-JamesNeural",
	"en-CA-LiamNeural",
	"en-CA-ClaraNeural",
	"en-HK-YanNeural",
	"es-MX-JorgeNeural",
	"es-MX-DaliaNeural",
	"es-ES-AlvaroNeural",
	"es-ES-ElviraNeural",
	"es-AR-TomasNeural",
	"es-AR-ElenaNeural",
	"es-CO-GonzaloNeural",
	"es-CO-SalomeNeural",
	"es-CL-CatalinaNeural",
	"es-CL-LorenzoNeural",
	"es-PE-CamilaNeural",
	"es-PE-AlexNeural",
	"es-VE-PaolaNeural",
	"es-VE-SebastianNeural",
	"es-CU-BelkysNeural",
	"es-CU-ManuelNeural",
	"es-PR-KarinaNeural",
	"es-PR-VictorNeural",
}

const (
	edgeTTSEndpoint    = "wss://speech.platform.bing.com/consumer/speech/synthesize/readaloud/edge/v1"
	edgeTrustedToken   = "6A5AA1D4EAFF4E9FB37E23D68491D6F4"
	edgeOutputFormat   = "audio-24khz-48kbitrate-mono-mp3"
	synthesizerTimeout = 15 * time.Second
)

// Synthesizer produces a short spoken clip for a piece of text and
// returns the path to a temporary audio file. The caller owns the file.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

// EdgeSynthesizer speaks through the Edge read-aloud websocket service.
type EdgeSynthesizer struct {
	dialer *websocket.Dialer
	locale string
}

func NewEdgeSynthesizer(locale string) *EdgeSynthesizer {
	return &EdgeSynthesizer{
		dialer: &websocket.Dialer{
			HandshakeTimeout:  10 * time.Second,
			EnableCompression: true,
		},
		locale: locale,
	}
}

// pickVoice returns a random voice, optionally restricted to a locale
// prefix from the configuration.
func (s *EdgeSynthesizer) pickVoice() string {
	pool := ttsVoices
	if s.locale != "" {
		var filtered []string
		for _, v := range ttsVoices {
			if strings.HasPrefix(strings.ToLower(v), strings.ToLower(s.locale)) {
				filtered = append(filtered, v)
			}
		}
		if len(filtered) > 0 {
			pool = filtered
		}
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(pool))))
	if err != nil {
		return pool[0]
	}
	return pool[n.Int64()]
}

func (s *EdgeSynthesizer) Synthesize(ctx context.Context, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, synthesizerTimeout)
	defer cancel()

	voice := s.pickVoice()
	requestID := newRequestID()

	header := http.Header{}
	header.Set("Origin", "chrome-extension://jdiccldimpdaibmpdkjnbmckianbfold")
	header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0")

	conn, _, err := s.dialer.DialContext(ctx, edgeTTSEndpoint+"?TrustedClientToken="+edgeTrustedToken+"&ConnectionId="+requestID, header)
	if err != nil {
		return "", fmt.Errorf("dial speech service: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}

	timestamp := time.Now().UTC().Format("Mon Jan 02 2006 15:04:05 GMT+0000 (Coordinated Universal Time)")

	configMsg := "X-Timestamp:" + timestamp + "\r\n" +
		"Content-Type:application/json; charset=utf-8\r\n" +
		"Path:speech.config\r\n\r\n" +
		`{"context":{"synthesis":{"audio":{"metadataoptions":{"sentenceBoundaryEnabled":"false","wordBoundaryEnabled":"false"},"outputFormat":"` + edgeOutputFormat + `"}}}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(configMsg)); err != nil {
		return "", fmt.Errorf("send speech config: %w", err)
	}

	ssml := fmt.Sprintf(
		"<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' xml:lang='en-US'><voice name='%s'>%s</voice></speak>",
		voice, escapeSSML(text))
	ssmlMsg := "X-RequestId:" + requestID + "\r\n" +
		"Content-Type:application/ssml+xml\r\n" +
		"X-Timestamp:" + timestamp + "\r\n" +
		"Path:ssml\r\n\r\n" + ssml
	if err := conn.WriteMessage(websocket.TextMessage, []byte(ssmlMsg)); err != nil {
		return "", fmt.Errorf("send ssml: %w", err)
	}

	var audio bytes.Buffer
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("read speech frames: %w", err)
		}

		switch msgType {
		case websocket.TextMessage:
			if strings.Contains(string(data), "Path:turn.end") {
				if audio.Len() == 0 {
					LogSynth(MsgSynthNoAudio, Truncate(text, 40))
					return "", errors.New("no audio returned")
				}
				return writeClip(audio.Bytes())
			}
		case websocket.BinaryMessage:
			// Binary frames carry a big-endian header length, the
			// header text, and then raw audio.
			if len(data) < 2 {
				continue
			}
			headerLen := int(binary.BigEndian.Uint16(data[:2]))
			if len(data) < 2+headerLen {
				continue
			}
			if !strings.Contains(string(data[2:2+headerLen]), "Path:audio") {
				continue
			}
			audio.Write(data[2+headerLen:])
		}
	}
}

func writeClip(data []byte) (string, error) {
	f, err := os.CreateTemp("", "announce-*.mp3")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func newRequestID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

func escapeSSML(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"'", "&apos;",
		`"`, "&quot;",
	)
	return r.Replace(s)
}
