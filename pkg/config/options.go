package config

import "time"

// BrowserOptions are per-request overrides supplied by the caller. Nil
// fields keep the configured value.
type BrowserOptions struct {
	Show      *bool
	Headless  *bool
	TimeoutMs *int

	Stealth  *StealthOptions
	Viewport *Viewport
}

// StealthOptions overrides the humanization knobs for one request.
type StealthOptions struct {
	Enabled        *bool
	RandomDelays   *bool
	HumanTyping    *bool
	MouseMovements *bool
	TypingWPMMin   *int
	TypingWPMMax   *int
	DelayMinMs     *int
	DelayMaxMs     *int
}

// Apply returns a copy of s with the overrides applied. show wins over
// headless when both are given, and a legacy showBrowser flag wins over both.
func (o *BrowserOptions) Apply(s Settings, showBrowser *bool) Settings {
	out := s
	if o != nil {
		if o.Headless != nil {
			out.Browser.Headless = *o.Headless
		}
		if o.Show != nil {
			out.Browser.Headless = !*o.Show
		}
		if o.TimeoutMs != nil && *o.TimeoutMs > 0 {
			out.Browser.Timeout = time.Duration(*o.TimeoutMs) * time.Millisecond
		}
		if o.Viewport != nil {
			if o.Viewport.Width > 0 {
				out.Browser.Viewport.Width = o.Viewport.Width
			}
			if o.Viewport.Height > 0 {
				out.Browser.Viewport.Height = o.Viewport.Height
			}
		}
		if st := o.Stealth; st != nil {
			setBool(&out.Stealth.Enabled, st.Enabled)
			setBool(&out.Stealth.RandomDelays, st.RandomDelays)
			setBool(&out.Stealth.HumanTyping, st.HumanTyping)
			setBool(&out.Stealth.MouseMovements, st.MouseMovements)
			setInt(&out.Stealth.TypingWPMMin, st.TypingWPMMin)
			setInt(&out.Stealth.TypingWPMMax, st.TypingWPMMax)
			setDuration(&out.Stealth.DelayMin, st.DelayMinMs, time.Millisecond)
			setDuration(&out.Stealth.DelayMax, st.DelayMaxMs, time.Millisecond)
		}
	}
	if showBrowser != nil {
		out.Browser.Headless = !*showBrowser
	}
	return out
}
