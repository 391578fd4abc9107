/*
Package config defines the explicit configuration surface for Conductor.

Configuration is an ordinary struct with named, typed fields. It is loaded
once at startup from three layers, later layers overriding earlier ones:

 1. Compiled-in defaults (Default)
 2. An optional YAML file
 3. CONDUCTOR_* environment variables

Validate runs after loading and rejects contradictory settings, most
importantly threshold ordering: heartbeat warning < timeout < emergency, and
distribution weights summing to 1.0. Components receive the validated struct
by injection and never read the environment themselves.
*/
package config
