package util

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
)

const (
	helpIndent = "   "
	flagIndent = "  "
	flagGap    = 2
)

func termWidth(fallback int) int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	if cols, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && cols > 0 {
		return cols
	}
	return fallback
}

// wrapText breaks text into lines of at most width columns, keeping blank-line paragraphs
func wrapText(text string, width int) []string {
	var lines []string
	for i, para := range strings.Split(text, "\n\n") {
		if i > 0 {
			lines = append(lines, "")
		}
		words := strings.Fields(para)
		if len(words) == 0 {
			continue
		}
		line := words[0]
		for _, w := range words[1:] {
			if len(line)+1+len(w) > width {
				lines = append(lines, line)
				line = w
				continue
			}
			line += " " + w
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		lines = append(lines, "")
	}
	return lines
}

// flagField reads a string or bool field shared by every concrete cli flag type
func flagField(f cli.Flag, name string) reflect.Value {
	v := reflect.ValueOf(f)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	return v.FieldByName(name)
}

func flagLabel(f cli.Flag) (label, usage string) {
	parts := strings.SplitN(strings.TrimRight(f.String(), "\n"), "\t", 2)
	label = parts[0]
	if len(parts) > 1 {
		usage = parts[1]
	}
	return
}

type flagGroup struct {
	name  string
	flags []cli.Flag
}

func groupFlags(flags []cli.Flag) []flagGroup {
	index := map[string]int{}
	groups := []flagGroup{}
	for _, f := range flags {
		if hidden := flagField(f, "Hidden"); hidden.IsValid() && hidden.Kind() == reflect.Bool && hidden.Bool() {
			continue
		}
		if label, _ := flagLabel(f); strings.HasPrefix(label, "--help") {
			continue
		}
		category := ""
		if c := flagField(f, "Category"); c.IsValid() && c.Kind() == reflect.String {
			category = c.String()
		}
		if category == "" {
			category = "Global Options"
		}
		i, ok := index[category]
		if !ok {
			i = len(groups)
			index[category] = i
			groups = append(groups, flagGroup{name: category})
		}
		groups[i].flags = append(groups[i].flags, f)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].name < groups[j].name
	})
	return groups
}

// PrettierHelpPrinter replaces the cli help template with colored sections and flags
// grouped by category, wrapped to the terminal width.
func PrettierHelpPrinter() {
	section := color.New(color.FgGreen, color.Bold).SprintFunc()
	category := color.New(color.FgCyan, color.Bold).SprintFunc()
	width := min(160, termWidth(160)) - 4

	fallback := cli.HelpPrinter
	cli.HelpPrinter = func(w io.Writer, templ string, data interface{}) {
		var (
			flags                 []cli.Flag
			cmds                  []*cli.Command
			name, usage, longDesc string
		)
		switch v := data.(type) {
		case *cli.App:
			flags, cmds, name, usage, longDesc = v.Flags, v.Commands, v.HelpName, v.Usage, v.Description
		case *cli.Command:
			flags, cmds, name, usage, longDesc = v.Flags, v.Subcommands, v.HelpName, v.Usage, v.Description
		default:
			fallback(w, templ, data)
			return
		}

		fmt.Fprintf(w, "%s\n%s%s - %s\n\n", section("NAME:"), helpIndent, name, usage)

		fmt.Fprintf(w, "%s\n%s%s", section("USAGE:"), helpIndent, name)
		if len(cmds) > 0 {
			fmt.Fprint(w, " command")
		}
		if len(flags) > 0 {
			fmt.Fprint(w, " [command options]")
		}
		fmt.Fprint(w, "\n\n")

		if longDesc != "" {
			fmt.Fprintln(w, section("DESCRIPTION:"))
			for _, line := range wrapText(longDesc, width-len(helpIndent)) {
				fmt.Fprintf(w, "%s%s\n", helpIndent, line)
			}
			fmt.Fprintln(w)
		}

		printedHeader := false
		for _, c := range cmds {
			if c.Hidden || c.Name == "help" {
				continue
			}
			if !printedHeader {
				fmt.Fprintln(w, section("COMMANDS:"))
				printedHeader = true
			}
			fmt.Fprintf(w, "%s%-20s  %s\n", helpIndent, c.FullName(), c.Usage)
		}
		if printedHeader {
			fmt.Fprintln(w)
		}

		groups := groupFlags(flags)
		if len(groups) == 0 {
			return
		}
		fmt.Fprintf(w, "%s\n\n", section("OPTIONS:"))

		labelWidth := 0
		for _, g := range groups {
			for _, f := range g.flags {
				if label, _ := flagLabel(f); len(label) > labelWidth {
					labelWidth = len(label)
				}
			}
		}
		usageWidth := width - len(flagIndent) - labelWidth - flagGap
		continuation := strings.Repeat(" ", len(flagIndent)+labelWidth+flagGap+2)

		for _, g := range groups {
			fmt.Fprintf(w, "%s%s\n", flagIndent, category(g.name))
			for _, f := range g.flags {
				label, usageText := flagLabel(f)
				lines := wrapText(usageText, usageWidth)
				fmt.Fprintf(w, "%s%-*s%s%s\n", flagIndent, labelWidth, label, strings.Repeat(" ", flagGap), lines[0])
				for _, line := range lines[1:] {
					fmt.Fprintf(w, "%s%s\n", continuation, line)
				}
			}
			fmt.Fprintln(w)
		}
	}
}
