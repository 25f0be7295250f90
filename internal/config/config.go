package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"

	"github.com/mrzor/proc-connector/internal/connector"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatOTEL = "otel"
)

var formats = []string{FormatText, FormatJSON, FormatOTEL}

// CustomAttribute represents a custom attribute with a name and expression.
type CustomAttribute struct {
	Name       string
	Expression string
}

// EnvConfig holds configuration from PROC_EVENTS_* environment variables.
// Every field is also a flag; flags win.
type EnvConfig struct {
	LogLevel          string `env:"PROC_EVENTS_LOG_LEVEL" envDefault:"info"`
	Format            string `env:"PROC_EVENTS_FORMAT" envDefault:"text"`
	Kinds             string `env:"PROC_EVENTS_KINDS"`
	Filter            string `env:"PROC_EVENTS_FILTER"`
	TraceID           string `env:"PROC_EVENTS_TRACE_ID"`
	Attributes        string `env:"PROC_EVENTS_ATTRIBUTES"`
	MetricsAddr       string `env:"PROC_EVENTS_METRICS_ADDR"`
	ReceiveBufferSize int    `env:"PROC_EVENTS_RCVBUF"`
	PortID            uint32 `env:"PROC_EVENTS_PORT_ID"`
	Unsubscribe       bool   `env:"PROC_EVENTS_UNSUBSCRIBE" envDefault:"true"`
}

// ParseEnvConfig parses configuration from environment variables.
func ParseEnvConfig() (*EnvConfig, error) {
	var cfg EnvConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment config: %w", err)
	}
	return &cfg, nil
}

// Config is the validated configuration of the proc-events command.
type Config struct {
	LogLevel zapcore.Level
	Format   string
	// Kinds limits output to these event kinds; empty means all.
	Kinds            []connector.EventKind
	Filter           string
	TraceID          string
	CustomAttributes []CustomAttribute
	MetricsAddr      string
	// ReceiveBufferSize is SO_RCVBUF, 0 keeps the kernel default.
	ReceiveBufferSize int
	// PortID overrides the port id in outgoing headers, 0 uses the pid.
	PortID      uint32
	Unsubscribe bool
}

// Options are the raw flag values, defaulted from an EnvConfig.
type Options struct {
	logLevel          string
	format            string
	kinds             string
	filter            string
	traceID           string
	envAttributes     string
	attributes        []string
	metricsAddr       string
	receiveBufferSize int
	portID            uint32
	unsubscribe       bool
}

// BindFlags registers the command's flags on fs, using envCfg for defaults.
func BindFlags(fs *pflag.FlagSet, envCfg *EnvConfig) *Options {
	o := &Options{envAttributes: envCfg.Attributes}

	fs.StringVar(&o.logLevel, "log-level", envCfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVarP(&o.format, "format", "f", envCfg.Format, "output format: "+strings.Join(formats, ", "))
	fs.StringVarP(&o.kinds, "kinds", "k", envCfg.Kinds, "comma separated event kinds to print, e.g. fork,exec,exit (default all)")
	fs.StringVar(&o.filter, "filter", envCfg.Filter, `expression selecting events, e.g. 'kind == "exit" && exit_code != 0'`)
	fs.StringVarP(&o.traceID, "trace-id", "t", envCfg.TraceID, "expression deriving the OTEL trace ID of an event")
	fs.StringArrayVarP(&o.attributes, "attribute", "a", nil, "custom attribute as name=expression (repeatable)")
	fs.StringVar(&o.metricsAddr, "metrics-addr", envCfg.MetricsAddr, "serve Prometheus metrics on this address")
	fs.IntVar(&o.receiveBufferSize, "rcvbuf", envCfg.ReceiveBufferSize, "socket receive buffer size in bytes")
	fs.Uint32Var(&o.portID, "port-id", envCfg.PortID, "netlink port id for outgoing messages (default the process id)")
	fs.BoolVar(&o.unsubscribe, "unsubscribe", envCfg.Unsubscribe, "send an ignore message on shutdown")

	return o
}

// Config validates the options. Attributes from the environment come
// first, then those from flags.
func (o *Options) Config() (*Config, error) {
	level, err := zapcore.ParseLevel(o.logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", o.logLevel, err)
	}

	if !slices.Contains(formats, o.format) {
		return nil, fmt.Errorf("invalid format %q, want one of %s", o.format, strings.Join(formats, ", "))
	}

	kinds, err := ParseKinds(o.kinds)
	if err != nil {
		return nil, err
	}

	if o.receiveBufferSize < 0 {
		return nil, fmt.Errorf("receive buffer size must not be negative, got %d", o.receiveBufferSize)
	}

	attrs, err := ParseAttributeString(o.envAttributes)
	if err != nil {
		return nil, fmt.Errorf("PROC_EVENTS_ATTRIBUTES: %w", err)
	}
	for _, a := range o.attributes {
		attr, err := parseAttribute(a)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, attr)
	}

	return &Config{
		LogLevel:          level,
		Format:            o.format,
		Kinds:             kinds,
		Filter:            o.filter,
		TraceID:           o.traceID,
		CustomAttributes:  attrs,
		MetricsAddr:       o.metricsAddr,
		ReceiveBufferSize: o.receiveBufferSize,
		PortID:            o.portID,
		Unsubscribe:       o.unsubscribe,
	}, nil
}

// ParseKinds parses a comma separated list of event kind names.
func ParseKinds(s string) ([]connector.EventKind, error) {
	var kinds []connector.EventKind
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		kind, ok := connector.ParseEventKind(name)
		if !ok {
			return nil, fmt.Errorf("unknown event kind %q", name)
		}
		if !slices.Contains(kinds, kind) {
			kinds = append(kinds, kind)
		}
	}
	return kinds, nil
}

// ParseAttributeString parses semicolon separated name=expression pairs.
func ParseAttributeString(s string) ([]CustomAttribute, error) {
	var attrs []CustomAttribute
	for _, part := range strings.Split(s, ";") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		attr, err := parseAttribute(part)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

// parseAttribute parses a single name=expression pair. Only the first '='
// separates, so expressions may contain '=='.
func parseAttribute(s string) (CustomAttribute, error) {
	name, expression, ok := strings.Cut(s, "=")
	if !ok {
		return CustomAttribute{}, fmt.Errorf("invalid attribute format %q, expected name=expression", s)
	}

	name = strings.TrimSpace(name)
	expression = strings.TrimSpace(expression)
	if name == "" {
		return CustomAttribute{}, fmt.Errorf("attribute name cannot be empty in %q", s)
	}
	if expression == "" {
		return CustomAttribute{}, fmt.Errorf("attribute expression cannot be empty in %q", s)
	}

	return CustomAttribute{Name: name, Expression: expression}, nil
}
