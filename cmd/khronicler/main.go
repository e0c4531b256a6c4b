// cmd/khronicler/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/dustin/go-humanize"

	"khronicler/internal/compiler"
	"khronicler/internal/image"
	"khronicler/internal/parser"
	"khronicler/internal/vm"
)

const version = "0.1.0"

var commandAliases = map[string]string{
	"r": "run",
	"b": "build",
	"x": "exec",
	"v": "version",
	"h": "help",
}

func main() {
	os.Exit(realMain())
}

// realMain is main's logic factored out to a return-a-code shape so the
// same entry point doubles as the registered command testscript runs as
// a subprocess.
func realMain() int {
	return dispatch(os.Args[1:])
}

func dispatch(args []string) int {
	if len(args) == 0 {
		showUsage()
		return 1
	}

	cmd := args[0]
	if alias, ok := commandAliases[cmd]; ok {
		cmd = alias
	}

	switch cmd {
	case "run":
		code, err := runCommand(args[1:])
		if err != nil {
			log.Printf("khronicler: %v", err)
			return 1
		}
		return code
	case "build":
		if err := buildCommand(args[1:]); err != nil {
			log.Printf("khronicler: %v", err)
			return 1
		}
		return 0
	case "exec":
		code, err := execCommand(args[1:])
		if err != nil {
			log.Printf("khronicler: %v", err)
			return 1
		}
		return code
	case "version", "--version", "-v":
		fmt.Println("khronicler", version)
		return 0
	case "help", "--help", "-h":
		showUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "khronicler: unknown command %q\n", cmd)
		showUsage()
		return 1
	}
}

func showUsage() {
	fmt.Println(`usage:
  khronicler run <file.kbas>          parse, compile, and execute a source file
  khronicler build <file.kbas> [-o out.kbc]   compile to a binary image
  khronicler exec <file.kbc>          execute a previously built binary image
  khronicler version
  khronicler help`)
}

// compileSource runs the lexer/parser/compiler pipeline and returns the
// compiled Context, or the first syntax/semantic error encountered.
func compileSource(path string) (*compiler.Context, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	prog, err := parser.New(string(src)).Parse()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	ctx, err := compiler.Build(prog, compiler.DefaultBuildOptions())
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", path, err)
	}
	return ctx, nil
}

func runCommand(args []string) (int, error) {
	if len(args) < 1 {
		return 1, fmt.Errorf("usage: khronicler run <file.kbas>")
	}
	ctx, err := compileSource(args[0])
	if err != nil {
		return 1, err
	}
	raw, err := image.Marshal(ctx)
	if err != nil {
		return 1, fmt.Errorf("serialize: %w", err)
	}
	img, err := image.Unmarshal(raw)
	if err != nil {
		return 1, fmt.Errorf("load image: %w", err)
	}
	return execute(img)
}

func buildCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: khronicler build <file.kbas> [-o out.kbc]")
	}
	src := args[0]
	out := src + ".kbc"
	for i := 1; i < len(args)-1; i++ {
		if args[i] == "-o" {
			out = args[i+1]
		}
	}

	ctx, err := compileSource(src)
	if err != nil {
		return err
	}
	raw, err := image.Marshal(ctx)
	if err != nil {
		return fmt.Errorf("serialize: %w", err)
	}
	if err := os.WriteFile(out, raw, 0o644); err != nil {
		return err
	}
	fmt.Printf("%s: %s (%d functions, %d opcodes, %s string pool)\n",
		out, humanize.Bytes(uint64(len(raw))), len(ctx.Functions), len(ctx.Opcodes),
		humanize.Bytes(uint64(len(ctx.StringPool))))
	return nil
}

func execCommand(args []string) (int, error) {
	if len(args) < 1 {
		return 1, fmt.Errorf("usage: khronicler exec <file.kbc>")
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return 1, err
	}
	img, err := image.Unmarshal(raw)
	if err != nil {
		return 1, fmt.Errorf("load image: %w", err)
	}
	return execute(img)
}

// execute runs img to completion and maps the KBasic exit value onto a
// process exit code.
func execute(img *image.Image) (int, error) {
	m := vm.New(img, vm.DefaultOptions())
	exit, err := m.Run(context.Background())
	if err != nil {
		return 1, err
	}
	if n, ok := exit.(vm.Number); ok {
		return int(n), nil
	}
	return 0, nil
}
