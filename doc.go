/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# dsmeta: namespace and placement metadata of a disk and tape storage system

## Data Model

* File, file id --> name, container, size, layout, checksum and the file systems holding its replicas

* Container, container id --> name, parent container, attributes; containers form the namespace tree

* ChangeLog, the append-only record log every file and container mutation goes to; boot replays it

* File system, one disk of a storage node, member of a scheduling group

* Group, a set of file systems replicas are spread over; groups belong to a space

## Architecture

A cluster has two server roles:

* Master, owning the namespace, the placement view and the background services
  (fsck, per space balancers, tape gc, replica transfers)

* Storage node, serving the replicas of its file systems

A master serves an http endpoint for storage nodes, clients and the admin
console; storage nodes serve replicas via gRPC.

## Building Blocks

* RocksDB or Badger, the local kv stores
* gRPC
* Prometheus
* AWS S3, the archive of evicted disk replicas

*/

package dsmeta
