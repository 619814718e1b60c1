package policy

import (
	"regexp"
	"strings"
)

// =============================================================================
// Deny rules — unconditional, fragment match, case-insensitive
// =============================================================================

// DenyRule blocks a command when Fragment appears anywhere in its visible
// form, regardless of context. Tag names the rule in rejection reasons and
// audit records so operators see which rule fired.
type DenyRule struct {
	Tag      string
	Fragment string
}

// denyRules is the baseline deny list, checked before any allow-list logic
// for both elevated and non-elevated commands. Order is significant only for
// which Tag a multi-fragment command reports.
var denyRules = []DenyRule{
	{Tag: "recursive-delete", Fragment: "rm -rf /"},
	{Tag: "recursive-delete", Fragment: "rm -fr /"},
	{Tag: "recursive-delete", Fragment: "rm --recursive /"},
	{Tag: "command-substitution", Fragment: "$("},
	{Tag: "command-substitution", Fragment: "`"},
	{Tag: "device-redirect", Fragment: "> /dev/"},
	{Tag: "device-redirect", Fragment: ">/dev/"},
	{Tag: "device-redirect", Fragment: "of=/dev/"},
	{Tag: "credential-admin", Fragment: "passwd"},
	{Tag: "credential-admin", Fragment: "useradd"},
	{Tag: "credential-admin", Fragment: "userdel"},
	{Tag: "credential-admin", Fragment: "usermod"},
	{Tag: "filesystem-format", Fragment: "mkfs"},
	{Tag: "filesystem-format", Fragment: "fdisk"},
	{Tag: "filesystem-format", Fragment: "parted"},
	{Tag: "raw-disk-copy", Fragment: "dd if="},
	{Tag: "mount", Fragment: "mount "},
	{Tag: "firewall-mutation", Fragment: "iptables"},
	{Tag: "firewall-mutation", Fragment: "ufw "},
	{Tag: "credential-read", Fragment: "/etc/shadow"},
	{Tag: "credential-read", Fragment: "/etc/sudoers"},
	{Tag: "credential-read", Fragment: "id_rsa"},
	{Tag: "piped-download", Fragment: "| sh"},
	{Tag: "piped-download", Fragment: "|sh"},
	{Tag: "piped-download", Fragment: "| bash"},
	{Tag: "piped-download", Fragment: "|bash"},
	{Tag: "inline-interpreter", Fragment: "python -c"},
	{Tag: "inline-interpreter", Fragment: "python3 -c"},
	{Tag: "inline-interpreter", Fragment: "perl -e"},
	{Tag: "inline-interpreter", Fragment: "ruby -e"},
	{Tag: "inline-interpreter", Fragment: "node -e"},
	{Tag: "inline-interpreter", Fragment: "sh -c"},
	{Tag: "inline-interpreter", Fragment: "bash -c"},
	{Tag: "shell-builtin-exec", Fragment: "eval "},
	{Tag: "shell-builtin-exec", Fragment: "exec "},
	{Tag: "shell-builtin-exec", Fragment: "source "},
}

// elevationDenyRules is the second, elevation-specific deny list. An
// allow-pattern match is re-scanned against it before the sudo prefix is
// applied — it exists to catch a loose allow pattern smuggling a second
// clause and must stay independent of the baseline scan above.
//
// Known collision, kept deliberately: "python" and "curl" substring-match
// package names, so `apt-get install python3` or `apt-get install curl` is
// rejected even though the allow pattern admits the shape. Elevation fails
// closed on ambiguity; installing an interpreter or a download tool with
// root is exactly the call a human should make, not this list.
var elevationDenyRules = []DenyRule{
	{Tag: "operator", Fragment: ";"},
	{Tag: "operator", Fragment: "&"},
	{Tag: "operator", Fragment: "|"},
	{Tag: "redirection", Fragment: ">"},
	{Tag: "redirection", Fragment: "<"},
	{Tag: "command-substitution", Fragment: "$("},
	{Tag: "command-substitution", Fragment: "`"},
	{Tag: "destructive", Fragment: "rm -rf"},
	{Tag: "destructive", Fragment: "rm -fr"},
	{Tag: "permission-widening", Fragment: "chmod 777"},
	{Tag: "permission-widening", Fragment: "chmod -r 777"},
	{Tag: "escalation", Fragment: "chown root"},
	{Tag: "escalation", Fragment: "visudo"},
	{Tag: "escalation", Fragment: "sudoers"},
	{Tag: "escalation", Fragment: "usermod"},
	{Tag: "system-config-write", Fragment: "/etc/"},
	{Tag: "network-retrieval", Fragment: "curl"},
	{Tag: "network-retrieval", Fragment: "wget"},
	{Tag: "network-retrieval", Fragment: "nc "},
	{Tag: "execution-primitive", Fragment: "eval"},
	{Tag: "execution-primitive", Fragment: "exec"},
	{Tag: "execution-primitive", Fragment: "bash -c"},
	{Tag: "execution-primitive", Fragment: "sh -c"},
	{Tag: "execution-primitive", Fragment: "python"},
}

// matchDeny returns the first rule whose fragment appears in cmd.
// cmd must already be lowercased.
func matchDeny(rules []DenyRule, cmd string) (DenyRule, bool) {
	for _, r := range rules {
		if strings.Contains(cmd, r.Fragment) {
			return r, true
		}
	}
	return DenyRule{}, false
}

// =============================================================================
// Allow rules — the only path to elevation, exact anchored match
// =============================================================================

// AllowRule permits one exact command shape to run elevated. Pattern is
// anchored on both ends — a trailing clause never matches.
type AllowRule struct {
	Tag     string
	Pattern *regexp.Regexp
}

// allowTemplates enumerate every command shape permitted with elevation.
// "{user}" and "{home}" are replaced with the session account and its home
// directory at engine construction — several rules are only meaningful
// relative to the caller's own home.
var allowTemplates = []struct {
	Tag      string
	Template string
}{
	{"package-install", `^apt-get (install|remove|purge) -y [A-Za-z0-9._+ -]+$`},
	{"package-install", `^apt-get (install|remove|purge) [A-Za-z0-9._+ -]+$`},
	{"package-update", `^apt-get (update|upgrade|upgrade -y)$`},
	{"package-install", `^apt (install|remove) (-y )?[A-Za-z0-9._+ -]+$`},
	{"package-update", `^apt (update|upgrade|upgrade -y)$`},
	{"service-control", `^systemctl (start|stop|restart|status|enable|disable) [A-Za-z0-9@._-]+$`},
	{"service-control", `^service [A-Za-z0-9._-]+ (start|stop|restart|status)$`},
	{"gpio", `^raspi-gpio (get|set) [0-9]+( [a-z0-9]+)*$`},
	{"gpio", `^gpio (read|write|mode) [0-9]+( [a-z0-9]+)?$`},
	{"hardware-query", `^vcgencmd [a-z_0-9 ]+$`},
	{"raspi-config", `^raspi-config nonint [a-z_]+( [A-Za-z0-9]+)*$`},
	{"net-interface", `^ip link set [a-z0-9]+ (up|down)$`},
	{"net-interface", `^ifconfig [a-z0-9]+ (up|down)$`},
	{"home-launcher", `^{home}/RetroPie-Setup/retropie_setup\.sh$`},
	{"home-launcher", `^{home}/RetroPie-Setup/retropie_packages\.sh [A-Za-z0-9_ -]+$`},
	{"home-ownership", `^chown -R {user}:{user} {home}/[A-Za-z0-9./_-]+$`},
	{"power", `^reboot$`},
	{"power", `^shutdown -h now$`},
	{"power", `^shutdown -r now$`},
}

// buildAllowRules expands the templates for one account. Called once per
// session — the home path is baked into the compiled patterns.
func buildAllowRules(username, home string) []AllowRule {
	repl := strings.NewReplacer(
		"{user}", regexp.QuoteMeta(username),
		"{home}", regexp.QuoteMeta(home),
	)
	rules := make([]AllowRule, 0, len(allowTemplates))
	for _, t := range allowTemplates {
		rules = append(rules, AllowRule{
			Tag:     t.Tag,
			Pattern: regexp.MustCompile(repl.Replace(t.Template)),
		})
	}
	return rules
}

// matchAllow returns the first rule whose pattern matches cmd exactly.
func matchAllow(rules []AllowRule, cmd string) (AllowRule, bool) {
	for _, r := range rules {
		if r.Pattern.MatchString(cmd) {
			return r, true
		}
	}
	return AllowRule{}, false
}

// =============================================================================
// Safe pipelines — the only control-operator shapes admitted unelevated
// =============================================================================

// defaultPipelineFilters are the commands a pipeline stage may start with
// after the first stage. Small and closed on purpose: extensions arrive via
// configuration and are logged at startup so they get reviewed.
var defaultPipelineFilters = []string{"grep", "head", "tail", "wc", "sort", "uniq"}

// sudoEchoRe matches the one sanctioned compound form that is not a filter
// pipeline: feeding a value to a sudo'd command over stdin.
var sudoEchoRe = regexp.MustCompile(`^echo [^;&|]+\| ?sudo -S [^;&|]+$`)
