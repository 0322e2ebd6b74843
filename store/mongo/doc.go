// Package mongo implements store.Store on MongoDB with the official v2
// driver. It needs no multi-document transactions, so a standalone server
// works.
//
// The journal is the source of truth. Sequence numbers and stream indexes
// are claimed by inserting against unique indexes and retrying on
// conflict. A hook delivery first inserts its hook_resume entry, which a
// unique index limits to one per delivery ordinal, and then advances the
// hook document. A crash between the two steps is repaired by the next
// delivery attempt.
//
// The caller owns the client lifecycle:
//
//	client, _ := mongod.Connect(options.Client().ApplyURI(uri))
//	s := mongo.New(client.Database("durable"))
//	if err := s.Migrate(ctx); err != nil { ... }
package mongo
