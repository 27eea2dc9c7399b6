package policy

import "regexp"

// Context keys set by ShellContext.
const (
	KeyCommand   = "command"
	KeyDangerous = "dangerous"
)

var dangerousCommands = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*|--recursive)\b`),
	regexp.MustCompile(`(?i)\bsudo\b`),
	regexp.MustCompile(`(?i)\b(curl|wget)\b.*\|\s*(ba|z)?sh\b`),
	regexp.MustCompile(`>\s*/dev/(sd|hd|vd|xvd|nvme|disk|mem)`),
	regexp.MustCompile(`(?i)\bmkfs(\.\w+)?\b`),
	regexp.MustCompile(`(?i)\bdd\b.*\bof=`),
	regexp.MustCompile(`(?i)\bchmod\s+(-R\s+)?0?777\b`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\};:`),
}

// IsDangerousCommand reports whether a shell command line matches one of
// the destructive patterns, such as recursive rm, sudo or a download
// piped into a shell.
func IsDangerousCommand(command string) bool {
	for _, re := range dangerousCommands {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

// ShellContext returns a copy of extra carrying the command and its
// dangerous flag, ready for evaluation against ActionShellExec. An explicit
// dangerous value in extra is kept.
func ShellContext(command string, extra Context) Context {
	out := extra.Clone()
	if out == nil {
		out = make(Context, 2)
	}
	out[KeyCommand] = String(command)
	if _, ok := out[KeyDangerous]; !ok {
		out[KeyDangerous] = Bool(IsDangerousCommand(command))
	}
	return out
}
