package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

// Formatter renders the result of a command
type Formatter interface {
	Format(io.Writer, interface{}) error
}

// FormatterFunc turns a function into a Formatter
type FormatterFunc func(io.Writer, interface{}) error

// Format the data
func (f FormatterFunc) Format(w io.Writer, data interface{}) error {
	return f(w, data)
}

type formatFlag struct {
	value string
	known map[string]Formatter
}

var (
	formats = map[*cobra.Command]*formatFlag{}

	defaultFormatters = map[string]Formatter{
		"json": FormatterFunc(func(w io.Writer, data interface{}) error {
			b, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(data, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(w, string(b))
			return err
		}),
		"yaml": FormatterFunc(func(w io.Writer, data interface{}) error {
			b, err := yaml.Marshal(data)
			if err != nil {
				return err
			}
			_, err = w.Write(b)
			return err
		}),
	}
)

// addFormatFlag adds a --format flag to a command, with some extra formats besides json and yaml
func addFormatFlag(cmd *cobra.Command, defaultFormat string, extra ...map[string]Formatter) string {
	format := "format"
	known := make(map[string]Formatter, len(defaultFormatters))
	for k, v := range defaultFormatters {
		known[k] = v
	}
	for _, e := range extra {
		for k, v := range e {
			known[k] = v
		}
	}
	f := &formatFlag{known: known}
	formats[cmd] = f

	names := make([]string, 0, len(known))
	for k := range known {
		names = append(names, k)
	}
	sort.Strings(names)
	cmd.Flags().StringVar(&f.value, format, defaultFormat, "Output format: "+strings.Join(names, ", "))
	return format
}

// print the result of a command in the requested format
func print(cmd *cobra.Command, data interface{}) {
	flag, ok := formats[cmd]
	if !ok {
		flag = &formatFlag{value: "yaml", known: defaultFormatters}
	}
	f, ok := flag.known[flag.value]
	if !ok {
		wrapFatalln(fmt.Sprintf("unknown format %q", flag.value), nil)
		return
	}
	if err := f.Format(out, data); err != nil {
		wrapFatalln("format output", err)
	}
}
