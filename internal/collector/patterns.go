package collector

import "regexp"

// signature is a malware indicator with its contribution to the threat score.
type signature struct {
	name   string
	weight int
	re     *regexp.Regexp
}

// Code execution on attacker input.
var execSignatures = []signature{
	{"eval_request", 60, regexp.MustCompile(`(?i)eval\s*\(\s*\$_(POST|GET|REQUEST|COOKIE)`)},
	{"assert_request", 60, regexp.MustCompile(`(?i)assert\s*\(\s*\$_(POST|GET|REQUEST|COOKIE)`)},
	{"preg_replace_eval", 50, regexp.MustCompile(`(?i)preg_replace\s*\(\s*['"].*/e['"]`)},
	{"create_function", 30, regexp.MustCompile(`(?i)create_function\s*\(`)},
	{"shell_exec_request", 60, regexp.MustCompile(`(?i)(system|shell_exec|passthru|exec|popen|proc_open)\s*\(\s*\$_(POST|GET|REQUEST)`)},
}

// Payload obfuscation.
var obfuscationSignatures = []signature{
	{"eval_base64", 50, regexp.MustCompile(`(?i)eval\s*\(\s*base64_decode\s*\(`)},
	{"eval_gzinflate", 50, regexp.MustCompile(`(?i)eval\s*\(\s*gzinflate\s*\(`)},
	{"str_rot13_chain", 25, regexp.MustCompile(`(?i)str_rot13\s*\(\s*(base64_decode|gzinflate)`)},
	{"long_base64_blob", 20, regexp.MustCompile(`[A-Za-z0-9+/]{400,}={0,2}`)},
	{"hex_escaped_code", 20, regexp.MustCompile(`(\\x[0-9a-fA-F]{2}){20,}`)},
}

// Known web shells and injected content.
var shellSignatures = []signature{
	{"webshell_marker", 80, regexp.MustCompile(`(?i)(c99shell|r57shell|wso\s*shell|b374k|FilesMan)`)},
	{"file_upload_backdoor", 40, regexp.MustCompile(`(?i)move_uploaded_file\s*\(\s*\$_FILES`)},
	{"hidden_iframe", 30, regexp.MustCompile(`(?i)<iframe[^>]+(width|height)\s*=\s*["']?0`)},
	{"js_document_write_unescape", 30, regexp.MustCompile(`(?i)document\.write\s*\(\s*unescape\s*\(`)},
	{"crypto_miner", 50, regexp.MustCompile(`(?i)(coinhive|cryptonight|coin-hive)`)},
}

var allSignatures = concat(execSignatures, obfuscationSignatures, shellSignatures)

func concat(groups ...[]signature) []signature {
	var out []signature
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// scanExtensions are the file types the scanner reads.
var scanExtensions = map[string]bool{
	".php":   true,
	".phtml": true,
	".php5":  true,
	".inc":   true,
	".js":    true,
	".html":  true,
	".htm":   true,
	".ico":   true, // common hiding place for included PHP
}
