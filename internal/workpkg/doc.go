// Package workpkg defines work packages: the unit of work the orchestrator
// assigns to workers.
//
// A PackageSpec is what a plan or a caller submits. A WorkPackage is the
// orchestrator's mutable view of one spec while a run is in progress. The
// dependency graph helpers here are shared by the plan loader and the
// orchestrator so both reject the same malformed graphs.
package workpkg
