package common

const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
)

// Colorize wraps s in color when on is set.
func Colorize(on bool, color, s string) string {
	if !on {
		return s
	}
	return color + s + ColorReset
}
