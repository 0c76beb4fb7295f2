package main

import "github.com/mitchellh/cli"

// commands is the mapping of all the available rendertree commands.
func commands() map[string]cli.CommandFactory {
	return map[string]cli.CommandFactory{
		"render": func() (cli.Command, error) {
			return &RenderCommand{Ui: Ui}, nil
		},
	}
}
