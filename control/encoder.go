package control

import (
	"log/slog"
	"math"

	"github.com/tuzkov/camctl/device"
)

// VideoEncoderSettings may be partially specified: an empty codec, an
// empty resolution or a zero frame rate leaves that choice to the device.
type VideoEncoderSettings struct {
	Codec      string      `json:"codec"`
	Resolution device.Size `json:"resolution"`
	FrameRate  float64     `json:"frameRate"`
}

// denominators tried in order when turning a frame rate into a fraction.
var rateDenominators = []int{1, 2, 3, 5, 10, 25, 30, 50, 100, 1000, 1001}

// RateAsRational returns the fraction over rateDenominators closest to
// rate, stopping at the first one within 1e-8. Rates at or below 0.001 give
// the zero Rational, meaning "any rate".
func RateAsRational(rate float64) device.Rational {
	if rate <= 0.001 {
		return device.Rational{}
	}

	best := device.Rational{Num: 1, Den: 1}
	bestErr := 1.0
	for _, den := range rateDenominators {
		num := int(math.Round(rate * float64(den)))
		diff := math.Abs(float64(num)/float64(den) - rate)
		if diff < bestErr {
			bestErr = diff
			best = device.Rational{Num: num, Den: den}
		}
		if diff < 1e-8 {
			break
		}
	}
	return best
}

// VideoEncoder keeps the requested video settings and answers what the
// device supports given the parts already chosen.
type VideoEncoder struct {
	log     *slog.Logger
	session *device.Session
	codecs  device.Capability[device.CodecInfo]
	events  *Broadcaster[EncoderEvent]

	settings     VideoEncoderSettings
	userSettings VideoEncoderSettings
}

func NewVideoEncoder(log *slog.Logger, session *device.Session) *VideoEncoder {
	if log == nil {
		log = slog.Default()
	}
	return &VideoEncoder{
		log:     log.With("svc", "videoEncoder"),
		session: session,
		codecs:  session.Capabilities().Codecs(),
		events:  newBroadcaster[EncoderEvent]("encoder"),
	}
}

func (e *VideoEncoder) Events() (<-chan EncoderEvent, func()) {
	return e.events.Subscribe()
}

// SupportedResolutions lists video resolutions compatible with the frame
// rate in settings.
func (e *VideoEncoder) SupportedResolutions(settings VideoEncoderSettings) []device.Size {
	rate := RateAsRational(settings.FrameRate)
	return e.session.SupportedResolutions(rate, device.CaptureVideo)
}

// SupportedFrameRates lists frame rates compatible with the resolution in
// settings.
func (e *VideoEncoder) SupportedFrameRates(settings VideoEncoderSettings) []float64 {
	var rates []float64
	for _, r := range e.session.SupportedFrameRates(settings.Resolution) {
		if r.Den > 0 {
			rates = append(rates, r.Float())
		}
	}
	return rates
}

func (e *VideoEncoder) SupportedCodecs() []string {
	codecs, ok := e.codecs.Get()
	if !ok {
		return nil
	}
	return codecs.SupportedCodecs()
}

func (e *VideoEncoder) CodecDescription(name string) string {
	codecs, ok := e.codecs.Get()
	if !ok {
		return ""
	}
	return codecs.CodecDescription(name)
}

func (e *VideoEncoder) Settings() VideoEncoderSettings {
	var s VideoEncoderSettings
	e.session.Do(func() { s = e.settings })
	return s
}

// SetSettings stores the user's choice and makes it the active settings.
func (e *VideoEncoder) SetSettings(s VideoEncoderSettings) {
	e.session.Do(func() {
		e.settings = s
		e.userSettings = s
		e.log.Debug("video settings changed", "codec", s.Codec, "resolution", s.Resolution, "fps", s.FrameRate)
		e.events.emit(EncoderEvent{Kind: SettingsChanged, Settings: s})
	})
}

// SetActualSettings records what the pipeline really negotiated without
// touching the user's choice.
func (e *VideoEncoder) SetActualSettings(s VideoEncoderSettings) {
	e.session.Do(func() { e.settings = s })
}

func (e *VideoEncoder) ResetActualSettings() {
	e.session.Do(func() { e.settings = e.userSettings })
}
