package strategy

import (
	"fmt"
	"time"

	"options-core/internal/errs"
	"options-core/internal/option"
)

// Params configures one strategy instance. Field tags match the deployment
// YAML file and the JSON config stored on deployment records.
type Params struct {
	Kind        Kind          `yaml:"kind" json:"kind"`
	Instrument  string        `yaml:"instrument" json:"instrument"`
	CandleWidth time.Duration `yaml:"candle_width" json:"candle_width"`

	EMAPeriod     int     `yaml:"ema_period" json:"ema_period"`
	RSIPeriod     int     `yaml:"rsi_period" json:"rsi_period"`
	RSIOverbought float64 `yaml:"rsi_overbought" json:"rsi_overbought"`
	RSIOversold   float64 `yaml:"rsi_oversold" json:"rsi_oversold"`

	// Signal check happens SignalOffset before candle close, +/- SignalTolerance.
	SignalOffset    time.Duration `yaml:"signal_offset" json:"signal_offset"`
	SignalTolerance time.Duration `yaml:"signal_tolerance" json:"signal_tolerance"`

	StopLossPct float64 `yaml:"stop_loss_pct" json:"stop_loss_pct"` // negative, e.g. -0.3
	TargetPct   float64 `yaml:"target_pct" json:"target_pct"`
	LotSize     int     `yaml:"lot_size" json:"lot_size"`
	Lots        int     `yaml:"lots" json:"lots"`

	Option  option.Spec  `yaml:"option" json:"option"`
	Premium option.Model `yaml:"premium" json:"premium"`

	SessionStart    string        `yaml:"session_start" json:"session_start"` // HH:MM local
	SessionEnd      string        `yaml:"session_end" json:"session_end"`
	SquareOffBefore time.Duration `yaml:"square_off_before" json:"square_off_before"`
	Timezone        string        `yaml:"timezone" json:"timezone"`

	// ORB only.
	ORBWindow         time.Duration `yaml:"orb_window" json:"orb_window"`
	ORBTargetMultiple float64       `yaml:"orb_target_multiple" json:"orb_target_multiple"`
}

// Defaults returns the stock Mountain Signal configuration for NIFTY.
func Defaults() Params {
	return Params{
		Kind:            KindMountainSignal,
		Instrument:      "NIFTY",
		CandleWidth:     5 * time.Minute,
		EMAPeriod:       5,
		RSIPeriod:       14,
		RSIOverbought:   70,
		RSIOversold:     30,
		SignalOffset:    20 * time.Second,
		SignalTolerance: 2 * time.Second,
		StopLossPct:     -0.3,
		TargetPct:       0.5,
		LotSize:         75,
		Lots:            1,
		Option: option.Spec{
			Underlying:    "NIFTY",
			StrikeStep:    50,
			Policy:        option.Weekly,
			ExpiryWeekday: time.Thursday,
		},
		Premium:           option.DefaultModel(),
		SessionStart:      "09:15",
		SessionEnd:        "15:30",
		SquareOffBefore:   15 * time.Minute,
		Timezone:          "Asia/Kolkata",
		ORBWindow:         15 * time.Minute,
		ORBTargetMultiple: 1,
	}
}

// WithDefaults fills zero fields from Defaults.
func (p Params) WithDefaults() Params {
	d := Defaults()
	if p.Kind == "" {
		p.Kind = d.Kind
	}
	if p.Instrument == "" {
		p.Instrument = d.Instrument
	}
	if p.CandleWidth == 0 {
		p.CandleWidth = d.CandleWidth
	}
	if p.EMAPeriod == 0 {
		p.EMAPeriod = d.EMAPeriod
	}
	if p.RSIPeriod == 0 {
		p.RSIPeriod = d.RSIPeriod
	}
	if p.RSIOverbought == 0 {
		p.RSIOverbought = d.RSIOverbought
	}
	if p.RSIOversold == 0 {
		p.RSIOversold = d.RSIOversold
	}
	if p.SignalOffset == 0 {
		p.SignalOffset = d.SignalOffset
	}
	if p.SignalTolerance == 0 {
		p.SignalTolerance = d.SignalTolerance
	}
	if p.StopLossPct == 0 {
		p.StopLossPct = d.StopLossPct
	}
	if p.TargetPct == 0 {
		p.TargetPct = d.TargetPct
	}
	if p.LotSize == 0 {
		p.LotSize = d.LotSize
	}
	if p.Lots == 0 {
		p.Lots = d.Lots
	}
	if p.Option.Underlying == "" {
		p.Option.Underlying = p.Instrument
	}
	if p.Option.StrikeStep == 0 {
		p.Option.StrikeStep = d.Option.StrikeStep
	}
	if p.Option.Policy == "" {
		p.Option.Policy = d.Option.Policy
	}
	if p.Option.ExpiryWeekday == time.Sunday {
		p.Option.ExpiryWeekday = d.Option.ExpiryWeekday
	}
	if p.Premium.ATMFactor == 0 {
		p.Premium.ATMFactor = d.Premium.ATMFactor
	}
	if p.SessionStart == "" {
		p.SessionStart = d.SessionStart
	}
	if p.SessionEnd == "" {
		p.SessionEnd = d.SessionEnd
	}
	if p.SquareOffBefore == 0 {
		p.SquareOffBefore = d.SquareOffBefore
	}
	if p.Timezone == "" {
		p.Timezone = d.Timezone
	}
	if p.ORBWindow == 0 {
		p.ORBWindow = d.ORBWindow
	}
	if p.ORBTargetMultiple == 0 {
		p.ORBTargetMultiple = d.ORBTargetMultiple
	}
	return p
}

// Validate rejects configurations that cannot run.
func (p Params) Validate() error {
	if !p.Kind.Valid() {
		return errs.Validation("unknown strategy kind %q", p.Kind)
	}
	if p.Instrument == "" {
		return errs.Validation("instrument is required")
	}
	if p.CandleWidth < time.Minute {
		return errs.Validation("candle width %v is below one minute", p.CandleWidth)
	}
	if p.SignalOffset+p.SignalTolerance >= p.CandleWidth {
		return errs.Validation("signal offset %v does not fit in a %v candle", p.SignalOffset, p.CandleWidth)
	}
	if p.StopLossPct >= 0 || p.StopLossPct <= -1 {
		return errs.Validation("stop_loss_pct must be in (-1, 0), got %v", p.StopLossPct)
	}
	if p.TargetPct <= 0 {
		return errs.Validation("target_pct must be positive, got %v", p.TargetPct)
	}
	if p.LotSize <= 0 || p.Lots <= 0 {
		return errs.Validation("lot_size and lots must be positive")
	}
	if p.Option.StrikeStep <= 0 {
		return errs.Validation("strike_step must be positive")
	}
	if p.RSIOversold >= p.RSIOverbought {
		return errs.Validation("rsi_oversold %v must be below rsi_overbought %v", p.RSIOversold, p.RSIOverbought)
	}
	if _, err := NewSession(p); err != nil {
		return err
	}
	return nil
}

// Units is the traded option quantity.
func (p Params) Units() int { return p.LotSize * p.Lots }

// Session is the trading day calendar for one instrument.
type Session struct {
	loc       *time.Location
	open      time.Duration // since local midnight
	close     time.Duration
	squareOff time.Duration
}

// NewSession parses the session settings of p.
func NewSession(p Params) (Session, error) {
	loc, err := loadLocation(p.Timezone)
	if err != nil {
		return Session{}, errs.Validation("timezone %q: %v", p.Timezone, err)
	}
	open, err := clock(p.SessionStart)
	if err != nil {
		return Session{}, err
	}
	closeAt, err := clock(p.SessionEnd)
	if err != nil {
		return Session{}, err
	}
	if closeAt <= open {
		return Session{}, errs.Validation("session end %s is not after start %s", p.SessionEnd, p.SessionStart)
	}
	return Session{loc: loc, open: open, close: closeAt, squareOff: p.SquareOffBefore}, nil
}

func loadLocation(name string) (*time.Location, error) {
	loc, err := time.LoadLocation(name)
	if err == nil {
		return loc, nil
	}
	if name == "Asia/Kolkata" {
		return time.FixedZone("IST", 5*3600+1800), nil
	}
	return nil, err
}

func clock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, errs.Validation("session time %q is not HH:MM", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (s Session) midnight(t time.Time) time.Time {
	l := t.In(s.loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, s.loc)
}

// Location returns the session time zone.
func (s Session) Location() *time.Location { return s.loc }

// OpenAt is the session open on t's local date.
func (s Session) OpenAt(t time.Time) time.Time { return s.midnight(t).Add(s.open) }

// CloseAt is the session close on t's local date.
func (s Session) CloseAt(t time.Time) time.Time { return s.midnight(t).Add(s.close) }

// InSquareOff reports whether t is inside the pre-close forced exit window.
func (s Session) InSquareOff(t time.Time) bool {
	return !t.Before(s.CloseAt(t).Add(-s.squareOff))
}

// Day identifies the local trading date of t.
func (s Session) Day(t time.Time) string { return t.In(s.loc).Format("2006-01-02") }

func (s Session) String() string {
	return fmt.Sprintf("%v-%v %s (square-off %v)", s.open, s.close, s.loc, s.squareOff)
}
