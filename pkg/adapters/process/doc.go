// Package process turns allow-listed local commands into graph steps.
//
// A graphs file declares the commands and the graphs built from them:
//
//	processes:
//	  - name: lint
//	    command: ./scripts/lint.sh
//	  - name: fix
//	    command: ./scripts/fix.sh
//	graphs:
//	  - id: ci
//	    entry_point: lint
//	    nodes: {lint: lint, fix: fix}
//	    routes:
//	      lint: {key: verdict, cases: {pass: __END__}, default: fix}
//	    edges: {fix: lint}
//
// Each step receives the run state on stdin and answers with a JSON object
// on stdout, which is merged into the state.
package process
