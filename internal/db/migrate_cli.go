package db

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

// ErrUsage is returned for unknown or incomplete migrate invocations.
var ErrUsage = errors.New("invalid migrate usage")

// MigrateCommand implements the "migrate" subcommand.
type MigrateCommand struct {
	DBPath     string
	Migrations fs.FS
	Out        io.Writer
	// In answers the confirmation prompt of "force".
	In io.Reader
}

// RunMigrateCommand runs the subcommand against dbPath with the embedded
// migrations on the process's stdio.
func RunMigrateCommand(args []string, dbPath string) error {
	return MigrateCommand{
		DBPath:     dbPath,
		Migrations: MigrationsFS(),
		Out:        os.Stdout,
		In:         os.Stdin,
	}.Run(args)
}

func (c MigrateCommand) Run(args []string) error {
	if len(args) < 1 || args[0] == "help" {
		c.printHelp()
		if len(args) < 1 {
			return ErrUsage
		}
		return nil
	}

	database, err := OpenDB(c.DBPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	switch action := args[0]; action {
	case "up":
		if err := database.MigrateUp(c.Migrations); err != nil {
			return err
		}
		fmt.Fprintln(c.Out, "✓ All migrations applied")
		return c.printStatus(database)

	case "down":
		if err := database.MigrateDown(c.Migrations); err != nil {
			return err
		}
		fmt.Fprintln(c.Out, "✓ Rolled back one migration")
		return c.printStatus(database)

	case "status":
		return c.printStatus(database)

	case "version":
		v, err := versionArg(args)
		if err != nil {
			return err
		}
		if err := database.MigrateTo(c.Migrations, uint(v)); err != nil {
			return err
		}
		fmt.Fprintf(c.Out, "✓ Migrated to version %d\n", v)
		return nil

	case "force":
		v, err := versionArg(args)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.Out, "⚠️  Forcing migration version to %d. Only use this to recover from a dirty state.\nContinue? [y/N]: ", v)
		if !c.confirmed() {
			fmt.Fprintln(c.Out, "Aborted")
			return nil
		}
		if err := database.MigrateForce(c.Migrations, v); err != nil {
			return err
		}
		fmt.Fprintf(c.Out, "✓ Migration version forced to %d\n", v)
		return nil

	default:
		fmt.Fprintf(c.Out, "Unknown migrate action: %s\n\n", action)
		c.printHelp()
		return ErrUsage
	}
}

func versionArg(args []string) (int, error) {
	if len(args) < 2 {
		return 0, fmt.Errorf("%w: %s needs a version number", ErrUsage, args[0])
	}
	v, err := strconv.Atoi(args[1])
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: invalid version number %q", ErrUsage, args[1])
	}
	return v, nil
}

func (c MigrateCommand) confirmed() bool {
	if c.In == nil {
		return false
	}
	line, _ := bufio.NewReader(c.In).ReadString('\n')
	answer := strings.TrimSpace(line)
	return answer == "y" || answer == "Y"
}

func (c MigrateCommand) printStatus(database *DB) error {
	status, err := database.MigrationStatus(c.Migrations)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.Out, "=== Migration Status ===")
	fmt.Fprintf(c.Out, "Current version: %d\n", status.Current)
	fmt.Fprintf(c.Out, "Latest version: %d\n", status.Latest)
	fmt.Fprintf(c.Out, "Dirty: %v\n", status.Dirty)
	if status.Dirty {
		fmt.Fprintln(c.Out, "\n⚠️  A migration failed mid-execution. Inspect the database, then run: hpl-monitor migrate force <version>")
	} else if n := status.Pending(); n > 0 {
		fmt.Fprintf(c.Out, "%d migration(s) pending. Run: hpl-monitor migrate up\n", n)
	}
	return nil
}

func (c MigrateCommand) printHelp() {
	fmt.Fprint(c.Out, `Usage: hpl-monitor migrate <action> [args]

Actions:
  up                 Apply all pending migrations
  down               Roll back the most recent migration
  status             Show the current and latest schema versions
  version <n>        Migrate up or down to version n
  force <n>          Record version n without running migrations (recovery only)
  help               Show this message
`)
}
