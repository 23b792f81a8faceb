package main

import (
	"bytes"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/suite"
)

// CommandTestSuite builds a fresh root command per test so flag state does
// not leak between tests.
type CommandTestSuite struct {
	suite.Suite
	noColor bool
}

func (s *CommandTestSuite) SetupSuite() {
	s.noColor = color.NoColor
	color.NoColor = true
}

func (s *CommandTestSuite) TearDownSuite() {
	color.NoColor = s.noColor
}

// ResetFlags restores every flag of cmd, inherited ones included, to its
// default value.
func (s *CommandTestSuite) ResetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		s.Require().NoError(f.Value.Set(f.DefValue))
		f.Changed = false
	})
}

// NewRoot returns a root command carrying the global flags and sub.
func (s *CommandTestSuite) NewRoot(sub *cobra.Command) *cobra.Command {
	root := &cobra.Command{Use: "bmbridge", SilenceErrors: true}
	root.PersistentFlags().StringP("config", "c", "", "")
	root.PersistentFlags().String("log-level", "", "")
	root.PersistentFlags().Bool("verbose", false, "")
	if sub != nil {
		root.AddCommand(sub)
	}
	return root
}

// ExecuteCommand runs cmd with args; stdout and stderr are returned apart.
func (s *CommandTestSuite) ExecuteCommand(cmd *cobra.Command, args ...string) (string, string, error) {
	out, errOut := new(bytes.Buffer), new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}
