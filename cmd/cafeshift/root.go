// Copyright © 2016 NAME HERE <EMAIL ADDRESS>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cafeshift",
	Short: "Test whether gene-family copy-number change concentrates on trait-associated branches",
	Long: `cafeshift reconstructs ancestral states for a binary species trait over a
fixed tree topology, derives the branches along which the trait arose (and,
optionally, was lost), and tests whether CAFE-style per-family copy-number
change concentrates on those branches more than chance would predict.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits the process with status 1 on
// error; main's only job is to call it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
}
