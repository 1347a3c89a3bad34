// Package cli implements the sshutil command-line interface.
//
// Each cobra command parses its flags and delegates to a function that
// takes its inputs and output writers explicitly, so the behavior can be
// tested without going through os.Args:
//
//	sshutil run <host> <command...>      - run a command in the host's directory
//	sshutil put <host> <local> <remote>  - copy a file over sftp
//	sshutil ping [host...]               - check which hosts answer
//	sshutil serve                        - run the built-in SSH server
//	sshutil config init|add-host|show    - manage .sshutil.yaml
//	sshutil version
//
// Hosts are names from .sshutil.yaml or [user@]host[:port] strings resolved
// against ~/.ssh/config. Commands that connect share one connection cache
// and flush it before returning.
package cli
