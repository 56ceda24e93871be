package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/forge-ai/testforge/shared/javasrc"
	"github.com/forge-ai/testforge/shared/ollama"
	"github.com/forge-ai/testforge/shared/testfile"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Build output and tool directories never hold sources worth testing.
var skipDirs = map[string]bool{
	"target":       true,
	"build":        true,
	"out":          true,
	"node_modules": true,
}

type scanOptions struct {
	promptOptions
	generate bool
}

// untested is a class with no test file next to it yet.
type untested struct {
	path   string
	class  javasrc.Type
	target testfile.Target
}

func newScanCmd(root *rootOptions) *cobra.Command {
	o := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan <dir>",
		Short: "List classes that have no test yet",
		Long: `Walk a source tree and report every top-level class without a
matching <Class>Test.java in its test root. Interfaces, enums, records,
annotations and test classes are skipped.

With --generate a test is generated and written for each class found.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, root, o, args[0])
		},
	}
	cmd.Flags().BoolVar(&o.mocking, "mocking", true, "Ask for Mockito mocks (or set TESTGEN_INCLUDE_MOCKITO)")
	cmd.Flags().BoolVar(&o.comments, "comments", true, "Ask for explanatory comments (or set TESTGEN_INCLUDE_COMMENTS)")
	cmd.Flags().BoolVarP(&o.generate, "generate", "g", false, "Generate a test for every class found")
	return cmd
}

func runScan(cmd *cobra.Command, root *rootOptions, o *scanOptions, dir string) error {
	out := cmd.OutOrStdout()

	var s ollama.Settings
	if o.generate {
		var err error
		if s, err = root.settings(); err != nil {
			return err
		}
		o.apply(cmd, &s)
	}

	found, err := findUntested(cmd, dir)
	if err != nil {
		return err
	}
	for _, u := range found {
		fmt.Fprintf(out, "%s: %s has no %s\n", u.path, u.class.Name, u.target.TestClassName)
	}
	fmt.Fprintf(out, "%d class(es) without tests\n", len(found))

	if !o.generate || len(found) == 0 {
		return nil
	}

	client := ollama.NewClient()
	defer client.Close()

	failed := 0
	for _, u := range found {
		if err := cmd.Context().Err(); err != nil {
			return err
		}
		if err := writeTest(cmd, client, s, u.class, u.target, false); err != nil {
			log.Error().Err(err).Str("class", u.class.Name).Msg("generate failed")
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d test(s) could not be generated", failed, len(found))
	}
	return nil
}

// findUntested parses every .java file under dir and collects the classes
// whose test file does not exist.
func findUntested(cmd *cobra.Command, dir string) ([]untested, error) {
	var found []untested
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != dir && (strings.HasPrefix(name, ".") || skipDirs[name]) {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != testfile.Ext {
			return nil
		}

		src, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		file, err := javasrc.Parse(cmd.Context(), src)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("skipping unparsable file")
			return nil
		}
		for _, t := range file.Types {
			if t.Kind != "class" || file.IsTestClass(t, path) {
				continue
			}
			target := testfile.Target{
				SourcePath:    path,
				PackageName:   file.Package,
				TestClassName: ollama.TestClassName(t.Name),
			}
			if testfile.Exists(target) {
				continue
			}
			found = append(found, untested{path: path, class: t, target: target})
		}
		return nil
	})
	return found, err
}
