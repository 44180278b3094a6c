// Package terminal implements functions for responding to user
// input and dispatching to appropriate debugger commands.
package terminal

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands for the dbg terminal.
type Commands struct {
	cmds []command
	// names indexes every alias, the metadata of a node being the
	// position of its command in cmds.
	names *trie.Trie
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"open"}, cmdFn: open, helpMsg: `Opens a program file.

	open <path> [arch] [format]

The architecture and format are detected from the file when omitted.`},
		{aliases: []string{"close"}, cmdFn: closeCmd, helpMsg: `Closes the program file, killing the traced process.`},
		{aliases: []string{"run"}, cmdFn: run, helpMsg: `Starts a traced process.

	run [command line]

Without arguments the open program file is run.`},
		{aliases: []string{"pause"}, cmdFn: pause, helpMsg: `Stops the traced process.`},
		{aliases: []string{"continue", "c"}, cmdFn: cont, helpMsg: `Resumes the traced process.`},
		{aliases: []string{"next", "n"}, cmdFn: next, helpMsg: `Resumes the traced process until the next system call boundary.`},
		{aliases: []string{"step", "s"}, cmdFn: step, helpMsg: `Executes a single instruction.`},
		{aliases: []string{"stop"}, cmdFn: stop, helpMsg: `Kills the traced process.`},
		{aliases: []string{"regs"}, cmdFn: regs, helpMsg: `Prints the registers of the traced process.`},
		{aliases: []string{"disassemble", "disass"}, cmdFn: disassemble, helpMsg: `Prints the disassembly of the program file from its entry point.`},
		{aliases: []string{"state"}, cmdFn: state, helpMsg: `Prints the state of the debugger.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the debugger.`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	c.index()
	return c
}

func (c *Commands) index() {
	c.names = trie.New()
	for i, cmd := range c.cmds {
		for _, alias := range cmd.aliases {
			c.names.Add(alias, i)
		}
	}
}

var noCmdError = errors.New("command not available")

// Find will look up the command function for the given command input.
// A unique prefix of an alias selects its command. If it cannot find the
// command it will return noCmdAvailable. If the command is an empty
// string it will return nullCommand.
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}
	if node, ok := c.names.Find(cmdstr); ok {
		return c.cmds[node.Meta().(int)].cmdFn
	}

	found := -1
	for _, alias := range c.names.PrefixSearch(cmdstr) {
		node, ok := c.names.Find(alias)
		if !ok {
			continue
		}
		i := node.Meta().(int)
		if found >= 0 && found != i {
			return ambiguous(cmdstr)
		}
		found = i
	}
	if found < 0 {
		return noCmdAvailable
	}
	return c.cmds[found].cmdFn
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	return c.Find(cmdname)(t, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
	c.index()
}

// complete returns the aliases starting with the word being typed.
func (c *Commands) complete(line string) []string {
	if strings.ContainsRune(line, ' ') {
		return nil
	}
	r := c.names.PrefixSearch(strings.ToLower(line))
	sort.Strings(r)
	return r
}

func noCmdAvailable(t *Term, args string) error {
	return noCmdError
}

func nullCommand(t *Term, args string) error {
	return nil
}

func ambiguous(cmdstr string) cmdfunc {
	return func(t *Term, args string) error {
		return fmt.Errorf("ambiguous command %q", cmdstr)
	}
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					t.Printf("%s\n", cmd.helpMsg)
					return nil
				}
			}
		}
		return noCmdError
	}

	t.Printf("The following commands are available:\n")
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 0, '-', 0)
	for _, cmd := range c.cmds {
		h := cmd.helpMsg
		if idx := strings.Index(h, "\n"); idx >= 0 {
			h = h[:idx]
		}
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
		} else {
			fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	t.Printf("Type help followed by a command for full documentation.\n")
	return nil
}

// splitArgs splits the arguments of a command, honoring quotes.
func splitArgs(args string) ([]string, error) {
	v, err := argv.Argv(args, func(s string) (string, error) {
		return "", fmt.Errorf("backtick not supported in '%s'", s)
	}, nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal arguments '%s'", args)
	}
	return v[0], nil
}

func open(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) < 1 || len(v) > 3 {
		return errors.New("wrong number of arguments: open <path> [arch] [format]")
	}
	var arch, format string
	if len(v) > 1 {
		arch = v[1]
	}
	if len(v) > 2 {
		format = v[2]
	}
	return t.call(func(tg Target) error { return tg.Open(arch, format, v[0]) })
}

func closeCmd(t *Term, args string) error {
	return t.call(Target.Close)
}

func run(t *Term, args string) error {
	return t.call(func(tg Target) error { return tg.Run(args) })
}

func pause(t *Term, args string) error {
	return t.call(Target.Pause)
}

func cont(t *Term, args string) error {
	return t.call(Target.Continue)
}

func next(t *Term, args string) error {
	return t.call(Target.Next)
}

func step(t *Term, args string) error {
	return t.call(Target.Step)
}

func stop(t *Term, args string) error {
	return t.call(Target.Stop)
}

func regs(t *Term, args string) error {
	var values []string
	err := t.call(func(tg Target) error {
		for _, r := range tg.Registers() {
			values = append(values, r.String())
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return errors.New("no registers")
	}
	t.Printf("%s\n", strings.Join(values, "\n"))
	return nil
}

func disassemble(t *Term, args string) error {
	var b strings.Builder
	err := t.call(func(tg Target) error {
		if !tg.IsOpened() {
			return errors.New("no program file open")
		}
		w := tabwriter.NewWriter(&b, 0, 8, 1, ' ', 0)
		for _, inst := range tg.Listing() {
			fmt.Fprintf(w, "%s\n", inst)
		}
		return w.Flush()
	})
	if err != nil {
		return err
	}
	t.Printf("%s", b.String())
	return nil
}

func state(t *Term, args string) error {
	var s string
	err := t.call(func(tg Target) error {
		file := "no file open"
		if tg.IsOpened() {
			file = fmt.Sprintf("%s (%s)", tg.ArchName(), tg.FormatName())
		}
		s = fmt.Sprintf("file: %s\nprocess: %s", file, tg.State())
		if pid := tg.Pid(); pid != 0 {
			s += fmt.Sprintf(" pid=%d", pid)
		}
		return nil
	})
	if err != nil {
		return err
	}
	t.Println(ansiGreen, s)
	return nil
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}
