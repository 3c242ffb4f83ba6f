package sink

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/web3tea/doc-sentinel/document"
	"github.com/web3tea/doc-sentinel/pkg/mask"
	"github.com/web3tea/doc-sentinel/trigger"
)

// ConsoleSink renders every change as a table.
type ConsoleSink struct {
	out io.Writer
	mu  sync.Mutex

	// whether to use colored output
	colorEnabled bool
	// unified table style
	tableStyle table.Style
	// max column width for truncation
	maxColumnWidth int
	// "hex" or "base64"
	binaryFormat string
	// shows the _-prefixed fields when set
	showBookkeeping bool
	maskFields      []string
}

// ConsoleSinkOption defines functional options for ConsoleSink
type ConsoleSinkOption func(*ConsoleSink)

// WithColorOutput enables or disables colored output
func WithColorOutput(enabled bool) ConsoleSinkOption {
	return func(s *ConsoleSink) {
		s.colorEnabled = enabled
	}
}

// WithMaxColumnWidth sets the maximum column width for truncation
func WithMaxColumnWidth(width int) ConsoleSinkOption {
	return func(s *ConsoleSink) {
		if width > 3 {
			s.maxColumnWidth = width
		}
	}
}

// WithBinaryFormat sets the format for binary data display
// Valid values: "hex", "base64"
func WithBinaryFormat(format string) ConsoleSinkOption {
	return func(s *ConsoleSink) {
		s.binaryFormat = format
	}
}

// WithOutput redirects the tables; nil keeps stdout.
func WithOutput(w io.Writer) ConsoleSinkOption {
	return func(s *ConsoleSink) {
		if w != nil {
			s.out = w
		}
	}
}

func WithBookkeeping(show bool) ConsoleSinkOption {
	return func(s *ConsoleSink) {
		s.showBookkeeping = show
	}
}

// WithMaskFields hides the given fields the same way the dispatcher logs do.
func WithMaskFields(fields ...string) ConsoleSinkOption {
	return func(s *ConsoleSink) {
		s.maskFields = append(s.maskFields, fields...)
	}
}

// NewConsoleSink creates a new console sink
func NewConsoleSink(options ...ConsoleSinkOption) *ConsoleSink {
	// Create a custom table style for consistent appearance
	customStyle := table.Style{
		Name: "doc-sentinel",
		Box: table.BoxStyle{
			BottomLeft:       "└",
			BottomRight:      "┘",
			BottomSeparator:  "┴",
			Left:             "│",
			LeftSeparator:    "├",
			MiddleHorizontal: "─",
			MiddleSeparator:  "┼",
			MiddleVertical:   "│",
			PaddingLeft:      " ",
			PaddingRight:     " ",
			Right:            "│",
			RightSeparator:   "┤",
			TopLeft:          "┌",
			TopRight:         "┐",
			TopSeparator:     "┬",
			UnfinishedRow:    "...",
		},
		Options: table.Options{
			DrawBorder:      true,
			SeparateColumns: true,
			SeparateFooter:  true,
			SeparateHeader:  true,
			SeparateRows:    false,
		},
		Title: table.TitleOptions{
			Align:  text.AlignCenter,
			Colors: text.Colors{text.FgHiWhite, text.Bold},
		},
		Color: table.ColorOptions{
			Header: text.Colors{text.FgHiWhite, text.Bold},
			Row:    text.Colors{},
			Footer: text.Colors{text.FgHiWhite, text.Bold},
		},
	}

	sink := &ConsoleSink{
		out:            os.Stdout,
		colorEnabled:   true,
		tableStyle:     customStyle,
		maxColumnWidth: 80,
		binaryFormat:   "hex",
	}

	for _, option := range options {
		option(sink)
	}

	if !sink.colorEnabled {
		sink.tableStyle.Title.Colors = nil
		sink.tableStyle.Color = table.ColorOptions{}
	}

	return sink
}

type palette struct {
	create, update, remove          func(a ...interface{}) string
	added, removed, modified, plain func(a ...interface{}) string
}

func (s *ConsoleSink) palette() palette {
	if !s.colorEnabled {
		return palette{fmt.Sprint, fmt.Sprint, fmt.Sprint, fmt.Sprint, fmt.Sprint, fmt.Sprint, fmt.Sprint}
	}
	return palette{
		create:   color.New(color.FgGreen, color.Bold).SprintFunc(),
		update:   color.New(color.FgYellow, color.Bold).SprintFunc(),
		remove:   color.New(color.FgRed, color.Bold).SprintFunc(),
		added:    color.New(color.FgGreen).SprintFunc(),
		removed:  color.New(color.FgRed).SprintFunc(),
		modified: color.New(color.FgYellow).SprintFunc(),
		plain:    color.New(color.FgBlue).SprintFunc(),
	}
}

func (s *ConsoleSink) OnCreate(ctx context.Context, req trigger.CreateRequest) error {
	p := s.palette()
	data := s.prepare(req.Document)
	s.writeEventTable(trigger.KindCreate, p.create, req.Context, "Created Document",
		s.createSingleDataTable(data, p.added))
	return nil
}

func (s *ConsoleSink) OnUpdate(ctx context.Context, req trigger.UpdateRequest) error {
	p := s.palette()
	s.writeEventTable(trigger.KindUpdate, p.update, req.Context, "Changed Fields",
		s.createChangedDataTable(s.prepare(req.Before), s.prepare(req.After), p))
	return nil
}

func (s *ConsoleSink) OnDelete(ctx context.Context, req trigger.DeleteRequest) error {
	p := s.palette()
	s.writeEventTable(trigger.KindDelete, p.remove, req.Context, "Deleted Document",
		s.createSingleDataTable(s.prepare(req.Document), p.removed))
	return nil
}

func (s *ConsoleSink) prepare(doc document.Record) map[string]any {
	if !s.showBookkeeping {
		doc = doc.WithoutBookkeeping()
	}
	return mask.Fields(doc, s.maskFields)
}

// writeEventTable outputs an event as a nicely formatted table
func (s *ConsoleSink) writeEventTable(kind trigger.Kind, kindColor func(a ...interface{}) string, ectx trigger.EventContext, dataTitle string, dataTable table.Writer) {
	summaryRows := []table.Row{
		{"Delivery ID", ectx.DeliveryID},
		{"Operation", kindColor(strings.ToUpper(string(kind)))},
		{"Path", ectx.Path},
		{"Document ID", ectx.CompoundID},
		{"Auth", formatAuth(ectx)},
		{"Timestamp", ectx.Timestamp.Format(time.RFC3339)},
	}

	summaryTable := table.NewWriter()
	for _, row := range summaryRows {
		summaryTable.AppendRow(row)
	}
	summaryTable.SetStyle(s.tableStyle)
	summaryTable.Style().Options.DrawBorder = false
	summaryTable.Style().Options.SeparateRows = false

	eventTable := table.NewWriter()
	eventTable.AppendRow(table.Row{summaryTable.Render()})

	if dataTable != nil {
		eventTable.AppendRow(table.Row{""})
		eventTable.AppendRow(table.Row{s.bold(dataTitle)})
		eventTable.AppendRow(table.Row{dataTable.Render()})
	}

	if len(ectx.Params) > 0 {
		params := make(map[string]any, len(ectx.Params))
		for k, v := range ectx.Params {
			params[k] = v
		}
		eventTable.AppendRow(table.Row{""})
		eventTable.AppendRow(table.Row{s.bold("Params")})
		eventTable.AppendRow(table.Row{s.createKeyValueTable(params).Render()})
	}

	eventTable.SetStyle(s.tableStyle)
	eventTable.SetTitle(fmt.Sprintf("%s %s", strings.ToUpper(string(kind)), ectx.Path))

	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.out)
	fmt.Fprintln(s.out, strings.Repeat("─", 100))
	fmt.Fprintln(s.out, eventTable.Render())
}

func formatAuth(ectx trigger.EventContext) string {
	if ectx.AuthID == "" {
		return ectx.AuthType
	}
	return ectx.AuthType + ":" + ectx.AuthID
}

func (s *ConsoleSink) bold(str string) string {
	if !s.colorEnabled {
		return str
	}
	return text.Bold.Sprint(str)
}

// createSingleDataTable lists the fields of one snapshot.
func (s *ConsoleSink) createSingleDataTable(data map[string]any, valueColor func(a ...interface{}) string) table.Writer {
	dataTable := table.NewWriter()
	dataTable.AppendHeader(table.Row{"Field", "Value"})

	for _, k := range getSortedKeys(data) {
		dataTable.AppendRow(table.Row{k, valueColor(s.formatValue(data[k]))})
	}

	dataTable.SetStyle(s.tableStyle)
	return dataTable
}

// createChangedDataTable creates a table showing before/after changes
func (s *ConsoleSink) createChangedDataTable(before, after map[string]any, p palette) table.Writer {
	dataTable := table.NewWriter()
	dataTable.AppendHeader(table.Row{"Field", "Before", "After", "Change"})

	allKeys := make(map[string]any, len(before)+len(after))
	for k := range before {
		allKeys[k] = nil
	}
	for k := range after {
		allKeys[k] = nil
	}

	hasChanges := false
	for _, k := range getSortedKeys(allKeys) {
		beforeVal, beforeExists := before[k]
		afterVal, afterExists := after[k]

		var beforeStr, afterStr, changeStr string
		switch {
		case !beforeExists:
			afterStr = p.added(s.formatValue(afterVal))
			changeStr = p.added("ADDED")
			hasChanges = true
		case !afterExists:
			beforeStr = p.removed(s.formatValue(beforeVal))
			changeStr = p.removed("REMOVED")
			hasChanges = true
		case !reflect.DeepEqual(beforeVal, afterVal):
			beforeStr = p.removed(s.formatValue(beforeVal))
			afterStr = p.added(s.formatValue(afterVal))
			changeStr = p.modified("MODIFIED")
			hasChanges = true
		default:
			beforeStr = p.plain(s.formatValue(beforeVal))
			afterStr = p.plain(s.formatValue(afterVal))
			changeStr = p.plain("UNCHANGED")
		}

		dataTable.AppendRow(table.Row{k, beforeStr, afterStr, changeStr})
	}

	if !hasChanges {
		dataTable = table.NewWriter()
		dataTable.AppendRow(table.Row{"No changes detected in field values"})
	}

	dataTable.SetStyle(s.tableStyle)
	return dataTable
}

func (s *ConsoleSink) createKeyValueTable(data map[string]any) table.Writer {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Key", "Value"})
	for _, k := range getSortedKeys(data) {
		t.AppendRow(table.Row{k, s.formatValue(data[k])})
	}
	t.SetStyle(s.tableStyle)
	return t
}

// formatValue formats a value for display, handling truncation, binary data, and nil values
func (s *ConsoleSink) formatValue(val interface{}) string {
	if val == nil {
		return "NULL"
	}

	switch v := val.(type) {
	case []byte:
		return s.formatByteArray(v)
	case string:
		return s.truncateString(v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	}

	switch reflect.ValueOf(val).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		// documents are JSON, so nested values print as JSON
		raw, err := json.Marshal(val)
		if err != nil {
			return s.truncateString(fmt.Sprintf("%v", val))
		}
		return s.truncateString(string(raw))
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatByteArray formats a byte array according to the configured format
func (s *ConsoleSink) formatByteArray(data []byte) string {
	if len(data) == 0 {
		return "[]"
	}

	var result string
	switch s.binaryFormat {
	case "base64":
		result = "base64:" + base64.StdEncoding.EncodeToString(data)
	default:
		result = "0x" + hex.EncodeToString(data)
	}
	return s.truncateString(result)
}

// truncateString truncates a string if it's longer than maxColumnWidth
func (s *ConsoleSink) truncateString(str string) string {
	runes := []rune(str)
	if len(runes) <= s.maxColumnWidth {
		return str
	}
	return string(runes[:s.maxColumnWidth-3]) + "..."
}

// getSortedKeys returns sorted keys from a map for consistent output
func getSortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close implements the Sink interface
func (s *ConsoleSink) Close() error {
	return nil
}

// Type returns the type of this sink
func (s *ConsoleSink) Type() string {
	return "console"
}

var _ Sink = (*ConsoleSink)(nil)
