// Package query evaluates constraint graphs over the objects of a
// datastore.Reader.
//
// A Query is built by attaching constraints to classes and to fields reached
// through Descend. Constraints can be refined with comparison operators,
// negated and combined with And/Or. Executing a query partitions its root
// constraints into candidate sets, seeds every set from a field index, a
// class extent or a single id, and runs a phased evaluation over the
// candidates. Joins between constraints evaluated in different sets resolve
// through pending results recorded on the root candidates.
//
// Three execution modes share the same semantics:
//
//   - Execute evaluates all candidates at once and supports ordering and
//     sorting.
//   - ExecuteSnapshot evaluates the seeded ids one at a time and returns the
//     matches.
//   - ExecuteLazy evaluates one seeded id per pull of the returned iterator.
package query
