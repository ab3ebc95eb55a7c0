package main

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/spf13/cobra"
)

func executeCLI(ctx context.Context, args []string) error {
	rootCmd, err := newRootCommand()
	if err != nil {
		return err
	}
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand() (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:           "agentdash",
		Short:         "monitor and drive remote agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	constructors := []func() (cmds.Command, error){
		func() (cmds.Command, error) { return newServeGlazedCommand() },
		func() (cmds.Command, error) { return newWatchGlazedCommand() },
		func() (cmds.Command, error) { return newAgentsGlazedCommand() },
		func() (cmds.Command, error) { return newAgentGlazedCommand() },
		func() (cmds.Command, error) { return newActionGlazedCommand() },
		func() (cmds.Command, error) { return newSubmitGlazedCommand() },
		func() (cmds.Command, error) { return newHistoryGlazedCommand() },
		func() (cmds.Command, error) { return newClarifyGlazedCommand() },
		func() (cmds.Command, error) { return newPolicyInitGlazedCommand() },
	}
	for _, construct := range constructors {
		command, err := construct()
		if err != nil {
			return nil, err
		}
		cobraCommand, err := buildGlazedCobraCommand(command)
		if err != nil {
			return nil, err
		}
		rootCmd.AddCommand(cobraCommand)
	}
	return rootCmd, nil
}

func buildGlazedCobraCommand(command cmds.Command) (*cobra.Command, error) {
	return cli.BuildCobraCommand(
		command,
		cli.WithParserConfig(cli.CobraParserConfig{
			ShortHelpLayers: []string{layers.DefaultSlug},
			MiddlewaresFunc: cli.CobraCommandDefaultMiddlewares,
		}),
		cli.WithCobraMiddlewaresFunc(cli.CobraCommandDefaultMiddlewares),
		cli.WithCobraShortHelpLayers(layers.DefaultSlug),
	)
}
