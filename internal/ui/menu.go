// Package ui is the interactive console menu of the CLI.
package ui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/forest-guardian/vi-anomaly/internal/delivery"
)

// Pipelines is the part of delivery.Runner the menu drives.
type Pipelines interface {
	AnalyzeField(ctx context.Context, field string) (*delivery.Summary, error)
	ScoreCSV(ctx context.Context, corpusPath, observationsPath, outPath string, rows, cols int) (*delivery.Summary, error)
	ListFields() ([]string, error)
}

type menuOption struct {
	title   string
	handler func(ctx context.Context) error
}

type Menu struct {
	console
	pipelines Pipelines
}

func NewMenu(pipelines Pipelines, in io.Reader, out io.Writer) *Menu {
	return &Menu{
		console:   console{in: bufio.NewReader(in), out: out},
		pipelines: pipelines,
	}
}

var errExit = errors.New("exit")

// Run displays the main menu until the user exits or the input ends.
func (m *Menu) Run(ctx context.Context) error {
	menuOptions := []menuOption{
		{"Analyze a field against its previous seasons", m.analyzeField},
		{"Score observations from CSV tables", m.scoreCSV},
		{"View the list of available fields", m.listFields},
		{"Exit the application", func(context.Context) error { return errExit }},
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		fmt.Fprintf(m.out, "%s===================%s\n", ColorBlue, ColorReset)
		for i, opt := range menuOptions {
			fmt.Fprintf(m.out, "%s%d. %s%s\n", ColorBlue, i+1, opt.title, ColorReset)
		}

		choice, err := m.ReadInt("Please enter your choice: ", 1, len(menuOptions))
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			m.PrintError(err.Error())
			continue
		}

		err = menuOptions[choice-1].handler(ctx)
		if errors.Is(err, errExit) {
			fmt.Fprintln(m.out, "Exiting...")
			return nil
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			m.PrintError(err.Error())
		}
	}
}

func (m *Menu) analyzeField(ctx context.Context) error {
	fields, err := m.pipelines.ListFields()
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		m.PrintWarning("No fields found. Add a folder of <field>_<YYYY-MM-DD>.tif images to the images directory.")
		return nil
	}

	m.printFields(fields)
	input, err := m.ReadString("Enter the field number or name: ")
	if err != nil {
		return err
	}
	field := input
	if n, convErr := strconv.Atoi(input); convErr == nil {
		if n < 1 || n > len(fields) {
			return fmt.Errorf("value must be between %d and %d", 1, len(fields))
		}
		field = fields[n-1]
	}

	summary, err := m.pipelines.AnalyzeField(ctx, field)
	if err != nil {
		return err
	}
	m.printSummary(summary)
	return nil
}

func (m *Menu) scoreCSV(ctx context.Context) error {
	m.PrintWarning("The training table needs x,y,doy,vi columns and the testing table date,doy,x,y,vi columns.")

	corpusPath, err := m.ReadString("Enter the training table path: ")
	if err != nil {
		return err
	}
	observationsPath, err := m.ReadString("Enter the testing table path: ")
	if err != nil {
		return err
	}
	outPath, err := m.ReadString("Enter the output scores path: ")
	if err != nil {
		return err
	}

	summary, err := m.pipelines.ScoreCSV(ctx, corpusPath, observationsPath, outPath, 0, 0)
	if err != nil {
		return err
	}
	m.printSummary(summary)
	return nil
}

func (m *Menu) listFields(context.Context) error {
	fields, err := m.pipelines.ListFields()
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		m.PrintWarning("No fields found.")
		return nil
	}
	m.printFields(fields)
	return nil
}

func (m *Menu) printFields(fields []string) {
	fmt.Fprintf(m.out, "%s\nAvailable fields:%s\n", ColorGreen, ColorReset)
	for i, f := range fields {
		fmt.Fprintf(m.out, "%s%d. %s%s\n", ColorGreen, i+1, f, ColorReset)
	}
}

func (m *Menu) printSummary(summary *delivery.Summary) {
	m.PrintSuccess("Successful analysis!\n" + summary.String())
	for _, path := range summary.Outputs {
		fmt.Fprintf(m.out, "%s- %s%s\n", ColorGreen, path, ColorReset)
	}
}
