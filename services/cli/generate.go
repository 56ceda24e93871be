package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/forge-ai/testforge/shared/javasrc"
	"github.com/forge-ai/testforge/shared/ollama"
	"github.com/forge-ai/testforge/shared/testfile"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type promptOptions struct {
	class    string
	mocking  bool
	comments bool
}

// apply overrides the settings toggles with any flag the user set.
func (p *promptOptions) apply(cmd *cobra.Command, s *ollama.Settings) {
	if cmd.Flags().Changed("mocking") {
		s.IncludeMockito = p.mocking
	}
	if cmd.Flags().Changed("comments") {
		s.IncludeComments = p.comments
	}
}

func (p *promptOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.class, "class", "", "Class to test when the file declares several")
	cmd.Flags().BoolVar(&p.mocking, "mocking", true, "Ask for Mockito mocks (or set TESTGEN_INCLUDE_MOCKITO)")
	cmd.Flags().BoolVar(&p.comments, "comments", true, "Ask for explanatory comments (or set TESTGEN_INCLUDE_COMMENTS)")
}

type generateOptions struct {
	promptOptions
	force  bool
	stdout bool
}

func newGenerateCmd(root *rootOptions) *cobra.Command {
	o := &generateOptions{}
	cmd := &cobra.Command{
		Use:   "generate <File.java>",
		Short: "Generate and write a test for a class",
		Long: `Generate a JUnit 5 test for the class declared in a Java file.

The test is written to the matching test root (src/main/java becomes
src/test/java) as <Class>Test.java. Existing tests are left alone
unless --force is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, root, o, args[0])
		},
	}
	o.register(cmd)
	cmd.Flags().BoolVarP(&o.force, "force", "f", false, "Replace an existing test file")
	cmd.Flags().BoolVar(&o.stdout, "stdout", false, "Print the test instead of writing it")
	return cmd
}

func newPromptCmd(root *rootOptions) *cobra.Command {
	o := &promptOptions{}
	cmd := &cobra.Command{
		Use:   "prompt <File.java>",
		Short: "Print the prompt generate would send",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.settings()
			if err != nil {
				return err
			}
			o.apply(cmd, &s)
			_, class, err := loadClass(cmd.Context(), args[0], o.class)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ollama.BuildPrompt(class.Name, class.Source, s.IncludeMockito, s.IncludeComments))
			return nil
		},
	}
	o.register(cmd)
	return cmd
}

func runGenerate(cmd *cobra.Command, root *rootOptions, o *generateOptions, path string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	s, err := root.settings()
	if err != nil {
		return err
	}
	o.apply(cmd, &s)

	file, class, err := loadClass(ctx, path, o.class)
	if err != nil {
		return err
	}
	if file.IsTestClass(class, path) {
		return fmt.Errorf("%s is already a test class", class.Name)
	}

	target := testfile.Target{
		SourcePath:    path,
		PackageName:   file.Package,
		TestClassName: ollama.TestClassName(class.Name),
	}
	if !o.stdout && !o.force && testfile.Exists(target) {
		fmt.Fprintf(out, "%s already exists, use --force to regenerate\n", testfile.Path(target))
		return nil
	}

	client := ollama.NewClient()
	defer client.Close()

	if !o.stdout {
		return writeTest(cmd, client, s, class, target, o.force)
	}
	code, err := generate(cmd, client, s, class, target)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, testfile.Content(file.Package, code))
	return nil
}

func generate(cmd *cobra.Command, client *ollama.Client, s ollama.Settings, class javasrc.Type, target testfile.Target) (string, error) {
	ctx := cmd.Context()
	fmt.Fprintf(cmd.ErrOrStderr(), "Generating %s with %s...\n", target.TestClassName, s.ModelName)
	start := time.Now()
	code, err := client.GenerateTest(ctx, class.Name, class.Source, s).Await(ctx)
	if err != nil {
		return "", fmt.Errorf("generate %s (%s): %w", target.TestClassName, ollama.Kind(err), err)
	}
	log.Debug().Dur("took", time.Since(start)).Int("chars", len(code)).Msg("generated")
	return code, nil
}

// writeTest generates the test for class and writes it to target.
func writeTest(cmd *cobra.Command, client *ollama.Client, s ollama.Settings, class javasrc.Type, target testfile.Target, force bool) error {
	out := cmd.OutOrStdout()
	code, err := generate(cmd, client, s, class, target)
	if err != nil {
		return err
	}

	if force {
		if err := os.Remove(testfile.Path(target)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("replace existing test: %w", err)
		}
	}
	written, created, err := testfile.Write(target, code)
	if err != nil {
		return err
	}
	if !created {
		// another process wrote it while we were generating
		fmt.Fprintf(out, "%s already exists, left untouched\n", written)
		return nil
	}
	fmt.Fprintf(out, "Created %s\n", written)
	return nil
}

// loadClass parses path and picks the class to test: the one named by
// className, else the file's primary type.
func loadClass(ctx context.Context, path, className string) (*javasrc.File, javasrc.Type, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, javasrc.Type{}, err
	}
	file, err := javasrc.Parse(ctx, src)
	if err != nil {
		return nil, javasrc.Type{}, fmt.Errorf("parse %s: %w", path, err)
	}

	var (
		class javasrc.Type
		ok    bool
	)
	if className != "" {
		class, ok = file.Lookup(className)
	} else {
		class, ok = file.Primary(path)
	}
	if !ok {
		if className != "" {
			return nil, javasrc.Type{}, fmt.Errorf("%s does not declare %s", path, className)
		}
		return nil, javasrc.Type{}, fmt.Errorf("%s declares no class", path)
	}
	return file, class, nil
}
