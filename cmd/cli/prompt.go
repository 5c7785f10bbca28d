package cli

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/anstrom/scanfleet/internal/errors"
)

// promptWorkers asks for the pool size until a positive integer is given.
func promptWorkers(in io.Reader, out io.Writer) (int, error) {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "Number of concurrent scans: ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return 0, errors.NewConfigurationError("failed to read worker count", err)
			}
			fmt.Fprintln(out)
			return 0, errors.ErrConfigMissing("scanning.workers")
		}

		n, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
		if err != nil || n <= 0 {
			fmt.Fprintln(out, "Please enter a positive whole number.")
			continue
		}
		return n, nil
	}
}
