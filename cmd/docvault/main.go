// docvault backs up the project hierarchy of a cloud document service to
// local disk, reusing unchanged files from the previous run.
//
// Sub-commands:
//
//	docvault backup      Run one backup
//	docvault projects    List the projects visible to the account
//	docvault rotate      Delete old runs beyond the retention limit
//	docvault manifest    Show the manifest of a run
//	docvault history     Show recorded runs
package main

func main() {
	Execute()
}
