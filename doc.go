// Package m2mi is a *many-to-many invocation* layer: calling a method on
// a `Handle` invokes it on every object the handle reaches, whether those
// objects live in this process or in other processes of the network.
//
// Three kinds of handles exist:
//
// * `BroadcastHandle` reaches every object exported under an interface.
// * `GroupHandle` reaches every object attached to its group.
// * `SingleHandle` reaches exactly one object, wherever it lives.
//
// ## How it works
//
// First, describe your target interface with `Describe`. Target methods
// return nothing: an invocation may reach zero or several objects, there is
// no single result to give back, not even an error.
//
// Then, create a `Layer` and `Layer.Start` it. Objects are made reachable
// with `Layer.Export` (or by attaching them to a group) and handles are
// allocated from the layer too. Method calls on a handle are queued and
// delivered by a pool of workers. Invocations are delivered one after the
// other, but the targets of one invocation are called concurrently.
//
// When the layer is given a `Transport`, invocations are also serialised
// and sent to the other layers of the network. Every frame starts with an
// 8 bytes prefix derived from its address, so that transports can filter
// out frames nobody here is listening to before they are even decoded. The
// layer keeps the transport filters in sync with what is exported.
//
// Transports live under `pkg/transport`: an in-process hub for tests, UDP
// multicast for a LAN, and a gossip mesh built on `hashicorp/memberlist`.
//
// ## Design Principles
//
// Delivery is best-effort, just like the datagrams carrying it. There is no
// acknowledgement, no retry and no ordering across processes: build your
// protocol so that a lost invocation is not a disaster, e.g. by
// periodically re-announcing state.
//
// Lifecycle is explicit: objects stay reachable until they are unexported,
// and a `Layer` is only usable between `Start` and `Shutdown`.
package m2mi
