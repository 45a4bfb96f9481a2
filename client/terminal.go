package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// Terminal is an interactive menu bound to a single node
type Terminal struct {
	client *Client
	node   string
	in     *bufio.Scanner
	out    io.Writer
	header func(a ...interface{}) string
}

func NewTerminal(c *Client, node string, in io.Reader, out io.Writer) *Terminal {
	return &Terminal{
		client: c,
		node:   node,
		in:     bufio.NewScanner(in),
		out:    out,
		header: color.New(color.FgCyan, color.Bold).SprintFunc(),
	}
}

func (t *Terminal) menu() {
	fmt.Fprintln(t.out, "-----------------------------------")
	fmt.Fprintln(t.out, t.header("Executive and monitoring operations"))
	fmt.Fprintln(t.out, "-----------------------------------")
	fmt.Fprintln(t.out, "Enter [1] to [Search]")
	fmt.Fprintln(t.out, "Enter [2] to [Insert key/value]")
	fmt.Fprintln(t.out, "Enter [3] to [Display Neighbours]")
	fmt.Fprintln(t.out, "Enter [4] to [Exit]")
}

// prompt returns io.EOF once input is exhausted
func (t *Terminal) prompt(label string) (string, error) {
	fmt.Fprint(t.out, label)
	if !t.in.Scan() {
		if err := t.in.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimSpace(t.in.Text()), nil
}

func (t *Terminal) section(title string, body string) {
	fmt.Fprintln(t.out)
	fmt.Fprintln(t.out, t.header(title))
	fmt.Fprintln(t.out, strings.Repeat("-", len(title)))
	fmt.Fprintln(t.out, body)
	fmt.Fprintln(t.out)
}

func (t *Terminal) search(ctx context.Context) error {
	key, err := t.prompt("Enter key:")
	if err != nil {
		return err
	}
	value, err := t.client.Get(ctx, t.node, key)
	if err != nil {
		t.section("LookUp Key", fmt.Sprintf("error: %v", err))
		return nil
	}
	t.section("LookUp Key", string(value))
	return nil
}

func (t *Terminal) insert(ctx context.Context) error {
	key, err := t.prompt("Enter key:")
	if err != nil {
		return err
	}
	value, err := t.prompt("Enter value:")
	if err != nil {
		return err
	}
	msg, err := t.client.Put(ctx, t.node, key, []byte(value))
	if err != nil {
		t.section("Put Value", fmt.Sprintf("error: %v", err))
		return nil
	}
	t.section("Put Value", msg)
	return nil
}

func (t *Terminal) neighbors(ctx context.Context) error {
	neighbors, err := t.client.Neighbors(ctx, t.node)
	if err != nil {
		t.section("Neighbors", fmt.Sprintf("error: %v", err))
		return nil
	}
	t.section("Neighbors", fmt.Sprintf("[%s]", strings.Join(neighbors, ", ")))
	return nil
}

// Run loops over the menu until the user exits, input ends, or ctx is done
func (t *Terminal) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		t.menu()
		choice, err := t.prompt("Enter your choice :")
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch choice {
		case "1":
			err = t.search(ctx)
		case "2":
			err = t.insert(ctx)
		case "3":
			err = t.neighbors(ctx)
		case "4":
			return nil
		default:
			fmt.Fprintf(t.out, "Unknown choice %q\n", choice)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
