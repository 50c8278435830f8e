package collector

import (
	"errors"
	"time"
)

// Selector is one DOM query. XPath selects XPath evaluation instead of CSS.
type Selector struct {
	Query string `mapstructure:"query" json:"query"`
	XPath bool   `mapstructure:"xpath" json:"xpath,omitempty"`
}

// Config holds the provider-specific selector chains and waits.
type Config struct {
	LandingURL        string        `mapstructure:"landing_url"`
	Consent           Selector      `mapstructure:"consent"`
	ConsentTimeout    time.Duration `mapstructure:"consent_timeout"`
	UploadControls    []Selector    `mapstructure:"upload_controls"`
	ControlTimeout    time.Duration `mapstructure:"control_timeout"`
	ControlAttempts   int           `mapstructure:"control_attempts"`
	ControlBackoff    time.Duration `mapstructure:"control_backoff"`
	FileInput         string        `mapstructure:"file_input"`
	UploadTimeout     time.Duration `mapstructure:"upload_timeout"`
	ResultsReady      string        `mapstructure:"results_ready"`
	ResultsTimeout    time.Duration `mapstructure:"results_timeout"`
	ResultNodes       []string      `mapstructure:"result_nodes"`
	MetaAttributes    []string      `mapstructure:"meta_attributes"`
	CheckpointMessage string        `mapstructure:"checkpoint_message"`
}

// DefaultCheckpointMessage tells the operator what to do in the browser.
const DefaultCheckpointMessage = `Check the browser window now.
  1. If you see a CAPTCHA, solve it completely.
  2. Wait until image results appear.
  3. Then confirm here to continue.`

// DefaultConfig returns the selectors for Google Images.
func DefaultConfig() Config {
	return Config{
		LandingURL:     "https://images.google.com/?hl=en",
		Consent:        Selector{Query: "//button[contains(., 'Accept all')]", XPath: true},
		ConsentTimeout: 5 * time.Second,
		UploadControls: []Selector{
			{Query: "div[aria-label='Search by image']"},
			{Query: "div#qbi"},
			{Query: "div[jsname='Ohx1pb']"},
			{Query: "div[role='button'][aria-label='Search by image']"},
		},
		ControlTimeout:    5 * time.Second,
		ControlAttempts:   3,
		ControlBackoff:    2 * time.Second,
		FileInput:         "input[type='file']",
		UploadTimeout:     10 * time.Second,
		ResultsReady:      "div[data-ri], a.wXeWr.islib.NFQFxe, div[jscontroller]",
		ResultsTimeout:    30 * time.Second,
		ResultNodes:       []string{"a.wXeWr.islib.NFQFxe", "div[data-ri]", "div[jscontroller]", "div[jsname]"},
		MetaAttributes:    []string{"m", "data-m", "data-json"},
		CheckpointMessage: DefaultCheckpointMessage,
	}
}

// Validate rejects configs the collector cannot run with.
func (c Config) Validate() error {
	switch {
	case c.LandingURL == "":
		return errors.New("collector.landing_url is required")
	case len(c.UploadControls) == 0:
		return errors.New("collector.upload_controls must not be empty")
	case c.FileInput == "":
		return errors.New("collector.file_input is required")
	case len(c.ResultNodes) == 0:
		return errors.New("collector.result_nodes must not be empty")
	case len(c.MetaAttributes) == 0:
		return errors.New("collector.meta_attributes must not be empty")
	case c.ControlAttempts <= 0:
		return errors.New("collector.control_attempts must be > 0")
	case c.ControlTimeout <= 0 || c.UploadTimeout <= 0 || c.ResultsTimeout <= 0:
		return errors.New("collector timeouts must be > 0")
	}
	for _, s := range c.UploadControls {
		if s.Query == "" {
			return errors.New("collector.upload_controls entries need a query")
		}
	}
	return nil
}
